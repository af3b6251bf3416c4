// Package credentials keeps provider API keys sealed in encrypted memory.
package credentials

import (
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

// Vault holds one sealed enclave per provider. A key is decrypted into a
// locked buffer only for the duration of a Use call.
type Vault struct {
	mu       sync.RWMutex
	enclaves map[string]*memguard.Enclave
}

// NewVault creates an empty vault. Programs call Purge before exiting.
func NewVault() *Vault {
	return &Vault{enclaves: make(map[string]*memguard.Enclave)}
}

// Seal stores secret under name. The caller's copy is wiped.
func (v *Vault) Seal(name string, secret []byte) {
	if len(secret) == 0 {
		return
	}
	enclave := memguard.NewEnclave(secret)

	v.mu.Lock()
	v.enclaves[name] = enclave
	v.mu.Unlock()
}

// SealString stores a string secret under name.
func (v *Vault) SealString(name, secret string) {
	v.Seal(name, []byte(secret))
}

// Has reports whether a secret is sealed under name.
func (v *Vault) Has(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.enclaves[name]
	return ok
}

// Use opens the secret for the duration of fn. fn must not retain it.
func (v *Vault) Use(name string, fn func(secret string) error) error {
	v.mu.RLock()
	enclave, ok := v.enclaves[name]
	v.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no credential sealed for %s", name)
	}

	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("open credential for %s: %w", name, err)
	}
	defer buf.Destroy()
	return fn(buf.String())
}

// Remove forgets the secret under name.
func (v *Vault) Remove(name string) {
	v.mu.Lock()
	delete(v.enclaves, name)
	v.mu.Unlock()
}

// Purge wipes every secure buffer in the process.
func Purge() {
	memguard.Purge()
}
