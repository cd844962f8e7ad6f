package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"creatorstudio/internal/infra"
	"creatorstudio/internal/infra/credentials"
)

var envKeys = map[string]string{
	credentials.ProviderGemini:    "GEMINI_API_KEY",
	credentials.ProviderAnthropic: "ANTHROPIC_API_KEY",
	credentials.ProviderOpenAI:    "OPENAI_API_KEY",
}

func main() {
	var (
		keyFlag      string
		providerFlag string
		deleteFlag   bool
	)
	flag.StringVar(&keyFlag, "key", "", "API key for the selected provider (falls back to the environment)")
	flag.StringVar(&providerFlag, "provider", credentials.ProviderGemini, "provider to configure ("+strings.Join(credentials.Providers, ", ")+")")
	flag.BoolVar(&deleteFlag, "delete", false, "remove the stored key so the environment value applies again")
	flag.Parse()

	provider := strings.TrimSpace(strings.ToLower(providerFlag))
	if provider == "" {
		provider = credentials.ProviderGemini
	}
	if !credentials.Supported(provider) {
		fmt.Fprintf(os.Stderr, "unsupported provider %q\n", providerFlag)
		os.Exit(1)
	}

	key := strings.TrimSpace(keyFlag)
	if key == "" && !deleteFlag {
		key = strings.TrimSpace(os.Getenv(envKeys[provider]))
		if key == "" {
			fmt.Fprintf(os.Stderr, "%s API key is required via -key or %s\n", strings.ToUpper(provider), envKeys[provider])
			os.Exit(1)
		}
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger := infra.NewLogger("cli", os.Getenv("LOG_LEVEL")).With().Str("cmd", "providerkey").Str("provider", provider).Logger()
	store := credentials.NewStore(infra.NewSQLRunner(pool, logger))

	if deleteFlag {
		removed, err := store.Delete(ctx, provider)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to delete %s api key: %v\n", provider, err)
			os.Exit(1)
		}
		if !removed {
			fmt.Printf("no stored %s API key\n", strings.ToUpper(provider))
			return
		}
		fmt.Printf("%s API key removed; restart the API to fall back to %s\n", strings.ToUpper(provider), envKeys[provider])
		return
	}

	props := map[string]any{"stored_at": time.Now().UTC().Format(time.RFC3339)}
	if err := store.Set(ctx, provider, key, props); err != nil {
		fmt.Fprintf(os.Stderr, "failed to persist %s api key: %v\n", provider, err)
		os.Exit(1)
	}

	fmt.Printf("%s API key stored successfully; restart the API to pick it up\n", strings.ToUpper(provider))
}
