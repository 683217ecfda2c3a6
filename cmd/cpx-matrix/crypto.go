// ABOUTME: Encryption setup for cpx-matrix bridge
// ABOUTME: Configures E2EE with recovery key for Matrix rooms using mautrix crypto

package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// CryptoManager handles Matrix E2EE setup and lifecycle.
type CryptoManager struct {
	helper *cryptohelper.CryptoHelper
	logger *slog.Logger
}

// SetupCrypto initializes E2EE for the Matrix client. If recoveryKey is
// empty, encryption is still enabled but without cross-signing. The dataDir
// holds the SQLite crypto database. A device ID mismatch (new login, stale
// store) resets the crypto database automatically.
func SetupCrypto(ctx context.Context, client *mautrix.Client, userID string, recoveryKey string, dataDir string, logger *slog.Logger) (*CryptoManager, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	// Per-user database so two bridge accounts never share a store.
	userSlug := slugify(userID)
	dbPath := filepath.Join(dataDir, fmt.Sprintf("matrix-crypto-%s.db", userSlug))
	logger.Info("setting up encryption", "db", dbPath, "user", userSlug)

	storeKey := deriveStoreKey(userID)

	helper, err := initCryptoHelper(ctx, client, storeKey, dbPath, logger)
	if err != nil {
		return nil, err
	}

	// Wire the helper into the client so outgoing messages are encrypted.
	client.Crypto = helper

	manager := &CryptoManager{
		helper: helper,
		logger: logger,
	}

	if recoveryKey != "" {
		if err := manager.verifyWithRecoveryKey(ctx, recoveryKey); err != nil {
			// Encryption still works without cross-signing, so warn and carry on.
			logger.Warn("failed to verify with recovery key", "error", err)
			logger.Info("encryption enabled without cross-signing verification")
		} else {
			logger.Info("encryption initialized with cross-signing verification")
		}
	} else {
		logger.Info("encryption initialized (no recovery key - cross-signing disabled)")
	}

	return manager, nil
}

// verifyWithRecoveryKey verifies the device using the provided recovery key,
// enabling cross-signing verification with other devices.
func (cm *CryptoManager) verifyWithRecoveryKey(ctx context.Context, recoveryKey string) error {
	machine := cm.helper.Machine()
	if machine == nil {
		return fmt.Errorf("crypto machine not initialized")
	}

	cm.logger.Info("verifying device with recovery key")

	if err := machine.VerifyWithRecoveryKey(ctx, recoveryKey); err != nil {
		return fmt.Errorf("recovery key verification failed: %w", err)
	}

	cm.logger.Info("device verified with recovery key")
	return nil
}

// Close cleans up crypto resources.
func (cm *CryptoManager) Close() error {
	if cm.helper != nil {
		return cm.helper.Close()
	}
	return nil
}

// slugify converts a Matrix user ID to a filesystem-safe string.
// Example: @cpxbot:matrix.org -> cpxbot_matrix.org
func slugify(userID string) string {
	s := userID
	if len(s) > 0 && s[0] == '@' {
		s = s[1:]
	}
	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '_' {
			result = append(result, c)
		} else if c == ':' {
			result = append(result, '_')
		}
	}
	return string(result)
}

// deriveStoreKey creates a deterministic store encryption key from the user
// ID, so each user gets a unique key without an external secret.
func deriveStoreKey(userID string) []byte {
	h := sha256.Sum256([]byte("cpx-matrix-crypto:" + userID))
	return h[:]
}

// initCryptoHelper creates and initializes the crypto helper, resetting the
// store first when a new login left it holding keys for an old device ID.
func initCryptoHelper(ctx context.Context, client *mautrix.Client, storeKey []byte, dbPath string, logger *slog.Logger) (*cryptohelper.CryptoHelper, error) {
	// Check for the mismatch BEFORE creating the helper to avoid DB lock issues.
	if needsReset, err := checkDeviceIDMismatch(dbPath, client.DeviceID.String()); err != nil {
		logger.Debug("could not check device ID", "error", err)
	} else if needsReset {
		logger.Warn("device ID mismatch detected, resetting crypto database before init")
		if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing old crypto database: %w", err)
		}
		_ = os.Remove(dbPath + "-wal")
		_ = os.Remove(dbPath + "-shm")
		logger.Info("crypto database reset")
	}

	helper, err := cryptohelper.NewCryptoHelper(client, storeKey, dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}

	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}

	return helper, nil
}

// checkDeviceIDMismatch reports whether the crypto database exists and holds
// a different device ID than the current client.
func checkDeviceIDMismatch(dbPath string, currentDeviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	// mautrix stores the device ID in the crypto_account table.
	var storedDeviceID string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&storedDeviceID)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}

	return storedDeviceID != currentDeviceID, nil
}
