package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"bilancio/internal/cli"
)

// bilancio-admin provisions owners. There is no signup endpoint: an
// owner is created here, handed the printed session token, and uses it
// as the API bearer token.
func main() {
	ownerFlag := flag.String("owner", "", "existing owner id (default: create a new owner)")
	flag.Parse()

	cli.LoadEnvFile()
	logger := cli.SetupLogger()
	cfg := cli.LoadAndValidateConfig(logger)

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	ownerID := uuid.New()
	if *ownerFlag != "" {
		parsed, err := uuid.Parse(*ownerFlag)
		if err != nil {
			logger.Error("Invalid owner id", "error", err, "owner", *ownerFlag)
			os.Exit(1)
		}
		ownerID = parsed
	}

	ctx := context.Background()
	if err := repo.EnsureOwnerSetup(ctx, ownerID); err != nil {
		logger.Error("Failed to provision owner", "error", err, "owner_id", ownerID)
		os.Exit(1)
	}

	token, err := newSessionToken()
	if err != nil {
		logger.Error("Failed to generate session token", "error", err)
		os.Exit(1)
	}
	if err := repo.CreateSession(ctx, token, ownerID); err != nil {
		logger.Error("Failed to create session", "error", err, "owner_id", ownerID)
		os.Exit(1)
	}

	fmt.Printf("owner: %s\n", ownerID)
	fmt.Printf("token: %s\n", token)
}

func newSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
