package store

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/jnb666/capsnet/nnet"
	"github.com/pkg/errors"
)

func TestFileCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ckpt := nnet.Checkpoint{
		"conv1.W": {Dims: []int{2, 1, 1, 1}, Data: []float32{1, 2}},
		"digit.W": {Dims: []int{1, 1, 1, 3}, Data: []float32{0.5, -0.5, 3}},
	}
	for _, loc := range []string{filepath.Join(dir, "net.ckpt"), "file://" + filepath.Join(dir, "net2.ckpt")} {
		if err := SaveCheckpoint(ctx, loc, ckpt); err != nil {
			t.Fatal(err)
		}
		res, err := LoadCheckpoint(ctx, loc)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(res, ckpt) {
			t.Errorf("%s: got %v expect %v", loc, res, ckpt)
		}
	}
	if _, err := LoadCheckpoint(ctx, filepath.Join(dir, "missing.ckpt")); err == nil {
		t.Error("expected error loading missing file")
	}
}

func TestOpen(t *testing.T) {
	s, key, err := Open("s3://models/capsnet/mnist.ckpt")
	if err != nil {
		t.Fatal(err)
	}
	if s.String() != "s3://models" || key != "capsnet/mnist.ckpt" {
		t.Error("got", s, key)
	}
	if _, _, err = Open("s3://models"); err == nil {
		t.Error("expected error for s3 location without key")
	}
	if _, _, err = Open("ftp://host/file"); errors.Cause(err) != ErrScheme {
		t.Error("expected scheme error, got", err)
	}
	s, key, err = Open("data/capsnet.ckpt")
	if err != nil || s.String() != "file://data/" || key != "capsnet.ckpt" {
		t.Error("got", s, key, err)
	}
}
