// Package store saves and loads network checkpoints to the local file system or Amazon S3.
package store

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/jnb666/capsnet/nnet"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrScheme is returned for an unsupported location URL
var ErrScheme = errors.New("unsupported location scheme")

// Store is a place where named blobs can be read and written.
type Store interface {
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	Put(ctx context.Context, name string, r io.ReadSeeker) error
	String() string
}

// Open returns the store and object name for a location which is either a file path, a file:// URL
// or an s3://bucket/key URL.
func Open(location string) (Store, string, error) {
	if !strings.Contains(location, "://") {
		dir, name := filepath.Split(location)
		return Dir(dir), name, nil
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, "", errors.Wrapf(err, "parse %s", location)
	}
	switch u.Scheme {
	case "file":
		dir, name := filepath.Split(u.Path)
		return Dir(dir), name, nil
	case "s3":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return nil, "", errors.Errorf("invalid s3 location %s: expecting s3://bucket/key", location)
		}
		s, err := NewS3(u.Host)
		return s, key, err
	}
	return nil, "", errors.Wrapf(ErrScheme, "%s", location)
}

// Save checkpoint to the given location
func SaveCheckpoint(ctx context.Context, location string, c nnet.Checkpoint) error {
	s, name, err := Open(location)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err = c.Encode(&buf); err != nil {
		return err
	}
	klog.Infof("saving checkpoint to %s", location)
	return s.Put(ctx, name, bytes.NewReader(buf.Bytes()))
}

// Load checkpoint from the given location
func LoadCheckpoint(ctx context.Context, location string) (nnet.Checkpoint, error) {
	s, name, err := Open(location)
	if err != nil {
		return nil, err
	}
	klog.Infof("loading checkpoint from %s", location)
	r, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return nnet.DecodeCheckpoint(r)
}

// Dir is a store backed by a local directory
type Dir string

func (d Dir) String() string { return "file://" + string(d) }

func (d Dir) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(string(d), name))
	return f, errors.Wrap(err, "file store")
}

// Put writes to a temporary file which is then renamed so a partial write does not replace an existing file.
func (d Dir) Put(ctx context.Context, name string, r io.ReadSeeker) error {
	filePath := filepath.Join(string(d), name)
	tmpPath := filepath.Join(string(d), "."+name)
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrap(err, "file store")
	}
	if _, err = io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.Wrapf(err, "write %s", filePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "write %s", filePath)
	}
	return errors.Wrap(os.Rename(tmpPath, filePath), "file store")
}
