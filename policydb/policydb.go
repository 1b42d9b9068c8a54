// Package policydb persists per-(peer, profile) connection policies in a
// JSON file so admission decisions survive a service restart.
package policydb

import (
	"fmt"
	"io/ioutil"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/coordset/leaudio"
)

type policyFile struct {
	filename string
	lock     sync.RWMutex
}

// New returns a file-backed policy store. The file is created on first
// write; a missing file reads as all-unknown.
func New(filename string) leaudio.PolicyStore {
	return &policyFile{filename: filename}
}

func (pf *policyFile) ConnectionPolicy(p leaudio.Addr, profile leaudio.ProfileID) leaudio.Policy {
	pf.lock.RLock()
	defer pf.lock.RUnlock()

	policies, err := pf.loadExisting()
	if err != nil {
		return leaudio.PolicyUnknown
	}

	return policies[key(p, profile)]
}

func (pf *policyFile) SetConnectionPolicy(p leaudio.Addr, profile leaudio.ProfileID, policy leaudio.Policy) error {
	pf.lock.Lock()
	defer pf.lock.Unlock()

	policies, err := pf.loadExisting()
	if err != nil {
		return err
	}

	if policy == leaudio.PolicyUnknown {
		delete(policies, key(p, profile))
	} else {
		policies[key(p, profile)] = policy
	}

	return pf.store(policies)
}

func key(p leaudio.Addr, profile leaudio.ProfileID) string {
	return fmt.Sprintf("%s/%d", p.String(), profile)
}

func (pf *policyFile) loadExisting() (map[string]leaudio.Policy, error) {
	_, err := os.Stat(pf.filename)
	if os.IsNotExist(err) {
		return make(map[string]leaudio.Policy), nil
	}

	b, err := ioutil.ReadFile(pf.filename)
	if err != nil {
		return nil, errors.Wrap(err, "can't read policy file")
	}

	policies := make(map[string]leaudio.Policy)
	if err := jsoniter.Unmarshal(b, &policies); err != nil {
		return nil, errors.Wrap(err, "corrupt policy file")
	}

	return policies, nil
}

func (pf *policyFile) store(policies map[string]leaudio.Policy) error {
	b, err := jsoniter.Marshal(policies)
	if err != nil {
		return errors.Wrap(err, "can't encode policies")
	}

	if err := ioutil.WriteFile(pf.filename, b, 0600); err != nil {
		return errors.Wrap(err, "can't write policy file")
	}

	return nil
}
