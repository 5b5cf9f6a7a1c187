// Package storage persists the raw cloud login response between runs so a
// restart can reuse a still-valid token instead of hitting the login
// endpoint again.
package storage

import (
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"

	"github.com/solixapi/solix/log2"
)

type backing interface {
	Read() ([]byte, error)
	Write([]byte) (int, error)
}

// Store is one account's crash-safe login cache. Zero-value (or nil) Store
// is disabled: Load returns nothing, Save and Clear are no-ops.
type Store struct {
	log     *log2.Log
	tag     string
	storage backing
}

// NewStore creates the cache under root/<account-dir>. Empty root disables
// persistence.
func NewStore(root, account string, log *log2.Log) *Store {
	self := &Store{log: log, tag: accountDir(account)}
	if root == "" {
		log.Debugf("storage %s disabled", self.tag)
		return self
	}
	self.storage = extremofile.New(extremofile.Config{
		Dir:      filepath.Join(root, self.tag),
		DirPerm:  0700,
		FilePerm: 0600,
	})
	return self
}

func (self *Store) Load() ([]byte, error) {
	if self == nil || self.storage == nil {
		return nil, nil
	}
	b, err := self.storage.Read()
	if b != nil && err != nil {
		// recovered from backup copy
		self.log.Errorf("storage %s ignore non-critical read err=%v", self.tag, err)
		err = nil
	}
	if len(b) == 0 {
		return nil, errors.Annotatef(err, "storage %s Load", self.tag)
	}
	return b, nil
}

func (self *Store) Save(b []byte) error {
	if self == nil || self.storage == nil {
		return nil
	}
	_, err := self.storage.Write(b)
	return errors.Annotatef(err, "storage %s Save", self.tag)
}

func (self *Store) Clear() error {
	if self == nil || self.storage == nil {
		return nil
	}
	_, err := self.storage.Write(nil)
	return errors.Annotatef(err, "storage %s Clear", self.tag)
}

// accountDir turns an account email into a safe directory name.
func accountDir(account string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '_'
	}, account)
	if mapped == "" {
		mapped = "default"
	}
	return mapped
}
