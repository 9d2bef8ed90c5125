// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package csaf

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// RemoteValidator validates an advisory document against a
// remote validator service hosting the full upstream check sets.
type RemoteValidator interface {
	Validate(doc any) (*RemoteValidationResult, error)
	Close() error
}

// RemoteValidationResult is the outcome of a remote validation.
type RemoteValidationResult struct {
	Valid    bool      `json:"isValid"`
	Findings []Finding `json:"findings,omitempty"`
}

// RemoteValidatorOptions configure a remote validator: the service
// URL, the presets (check sets) to run and an optional cache file.
type RemoteValidatorOptions struct {
	URL     string   `json:"url" toml:"url"`
	Presets []string `json:"presets" toml:"presets"`
	Cache   string   `json:"cache" toml:"cache"`
}

var validationsBucket = []byte("validations")

// Open opens a new remote validator.
func (rvo *RemoteValidatorOptions) Open() (RemoteValidator, error) {
	var cache *bolt.DB
	if rvo.Cache != "" {
		var err error
		if cache, err = bolt.Open(rvo.Cache, 0600, nil); err != nil {
			return nil, err
		}
		if err := cache.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(validationsBucket)
			return err
		}); err != nil {
			cache.Close()
			return nil, err
		}
	}
	presets := rvo.Presets
	if len(presets) == 0 {
		presets = []string{"mandatory"}
	}
	return &httpRemoteValidator{
		url:     rvo.URL,
		presets: presets,
		cache:   cache,
	}, nil
}

type httpRemoteValidator struct {
	url     string
	presets []string
	cache   *bolt.DB
}

// validationRequest is the wire shape sent to the validator service.
type validationRequest struct {
	Tests    []validationTest `json:"tests"`
	Document any              `json:"document"`
}

type validationTest struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

func (v *httpRemoteValidator) Close() error {
	if v.cache != nil {
		return v.cache.Close()
	}
	return nil
}

// key builds the cache key of a document: the SHA-256 over its
// serialization plus the configured presets.
func (v *httpRemoteValidator) key(doc any) ([]byte, error) {
	h := sha256.New()
	if err := json.NewEncoder(h).Encode(doc); err != nil {
		return nil, err
	}
	for _, p := range v.presets {
		io.WriteString(h, p)
	}
	return h.Sum(nil), nil
}

func (v *httpRemoteValidator) cached(key []byte) (*RemoteValidationResult, error) {
	if v.cache == nil {
		return nil, nil
	}
	var result *RemoteValidationResult
	err := v.cache.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(validationsBucket).Get(key); data != nil {
			result = new(RemoteValidationResult)
			return json.Unmarshal(data, result)
		}
		return nil
	})
	return result, err
}

func (v *httpRemoteValidator) store(key []byte, result *RemoteValidationResult) error {
	if v.cache == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return v.cache.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(validationsBucket).Put(key, data)
	})
}

// Validate implements [RemoteValidator].
func (v *httpRemoteValidator) Validate(doc any) (*RemoteValidationResult, error) {
	key, err := v.key(doc)
	if err != nil {
		return nil, err
	}
	if result, err := v.cached(key); err != nil {
		return nil, err
	} else if result != nil {
		return result, nil
	}

	tests := make([]validationTest, len(v.presets))
	for i, p := range v.presets {
		tests[i] = validationTest{Type: "preset", Name: p}
	}
	body, err := json.Marshal(validationRequest{
		Tests:    tests,
		Document: doc,
	})
	if err != nil {
		return nil, err
	}

	res, err := http.Post(v.url+"/api/v1/validate", "application/json",
		bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"remote validator failed: %s (%d)", res.Status, res.StatusCode)
	}

	result := new(RemoteValidationResult)
	if err := json.NewDecoder(res.Body).Decode(result); err != nil {
		return nil, err
	}
	if err := v.store(key, result); err != nil {
		return nil, err
	}
	return result, nil
}

// SynchronizedRemoteValidator serializes the validate calls of a
// wrapped validator so it can be shared between workers.
func SynchronizedRemoteValidator(validator RemoteValidator) RemoteValidator {
	return &syncedRemoteValidator{RemoteValidator: validator}
}

type syncedRemoteValidator struct {
	sync.Mutex
	RemoteValidator
}

func (srv *syncedRemoteValidator) Validate(doc any) (*RemoteValidationResult, error) {
	srv.Lock()
	defer srv.Unlock()
	return srv.RemoteValidator.Validate(doc)
}

func (srv *syncedRemoteValidator) Close() error {
	srv.Lock()
	defer srv.Unlock()
	return srv.RemoteValidator.Close()
}
