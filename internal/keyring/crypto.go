// Seed file storage. The master mnemonic is kept on disk encrypted with
// Argon2id + AES-256-GCM; an empty passphrase stores it unencrypted
// (0600) for unattended deployments that manage disk encryption
// elsewhere.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (OWASP recommended for password hashing)
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // 64 MB
	argon2Parallelism = 4
	argon2KeyLen      = 32
	argon2SaltLen     = 32
)

// SeedFileName is the file under the data directory holding the
// operator mnemonic.
const SeedFileName = "seed.json"

// seedFile is the on-disk format. Plaintext and ciphertext are mutually
// exclusive.
type seedFile struct {
	Version     int    `json:"version"`
	Plaintext   string `json:"plaintext,omitempty"`
	Ciphertext  []byte `json:"ciphertext,omitempty"`
	Salt        []byte `json:"salt,omitempty"`
	Nonce       []byte `json:"nonce,omitempty"`
	Time        uint32 `json:"time,omitempty"`
	Memory      uint32 `json:"memory,omitempty"`
	Parallelism uint8  `json:"parallelism,omitempty"`
}

// SaveMnemonic writes the mnemonic under dataDir, encrypted when a
// passphrase is given.
func SaveMnemonic(dataDir, mnemonic, passphrase string) error {
	if !isValidMnemonicText(mnemonic) {
		return ErrInvalidMnemonic
	}

	sf := &seedFile{Version: 1}
	if passphrase == "" {
		sf.Plaintext = mnemonic
	} else {
		salt := make([]byte, argon2SaltLen)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}

		key := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLen)
		defer secureClear(key)

		block, err := aes.NewCipher(key)
		if err != nil {
			return fmt.Errorf("failed to create cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return fmt.Errorf("failed to create GCM: %w", err)
		}

		nonce := make([]byte, gcm.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("failed to generate nonce: %w", err)
		}

		sf.Ciphertext = gcm.Seal(nil, nonce, []byte(mnemonic), nil)
		sf.Salt = salt
		sf.Nonce = nonce
		sf.Time = argon2Time
		sf.Memory = argon2Memory
		sf.Parallelism = argon2Parallelism
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	data, err := json.Marshal(sf)
	if err != nil {
		return fmt.Errorf("failed to marshal seed file: %w", err)
	}
	return os.WriteFile(filepath.Join(dataDir, SeedFileName), data, 0600)
}

// LoadMnemonic reads the mnemonic back, decrypting when needed.
func LoadMnemonic(dataDir, passphrase string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, SeedFileName))
	if err != nil {
		return "", err
	}

	var sf seedFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return "", fmt.Errorf("failed to parse seed file: %w", err)
	}

	if sf.Plaintext != "" {
		return sf.Plaintext, nil
	}
	if len(sf.Ciphertext) == 0 {
		return "", fmt.Errorf("seed file holds neither plaintext nor ciphertext")
	}
	if passphrase == "" {
		return "", fmt.Errorf("seed file is encrypted and no passphrase was supplied")
	}

	// Use stored parameters or defaults for files written by older builds.
	t := sf.Time
	if t == 0 {
		t = argon2Time
	}
	memory := sf.Memory
	if memory == 0 {
		memory = argon2Memory
	}
	parallelism := sf.Parallelism
	if parallelism == 0 {
		parallelism = argon2Parallelism
	}

	key := argon2.IDKey([]byte(passphrase), sf.Salt, t, memory, parallelism, argon2KeyLen)
	defer secureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, sf.Nonce, sf.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt seed (wrong passphrase?): %w", err)
	}
	return string(plaintext), nil
}

// SeedFileExists reports whether a seed file is already present.
func SeedFileExists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, SeedFileName))
	return err == nil
}

func isValidMnemonicText(mnemonic string) bool {
	return mnemonic != ""
}

// secureClear overwrites a byte slice with zeros.
func secureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
