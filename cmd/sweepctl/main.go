// Command sweepctl seeds and edits the file-backed wallet registry. It is the
// operator companion to sweepd for deployments without a relational database;
// database-backed deployments manage the registry through their own tooling.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"sweepd/config"
	"sweepd/registry"
	"sweepd/storage/boltstore"
)

const defaultKeyEnv = "SWEEPD_WALLET_KEY"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "wallet-add":
		err = runWalletAdd(os.Args[2:])
	case "wallet-list":
		err = runWalletList(os.Args[2:])
	case "token-add":
		err = runTokenAdd(os.Args[2:])
	case "chains-import":
		err = runChainsImport(os.Args[2:])
	case "config-set":
		err = runConfigSet(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openStore(path string) (*boltstore.Store, error) {
	if path == "" {
		return nil, fmt.Errorf("--db is required")
	}
	return boltstore.Open(path)
}

func runWalletAdd(args []string) error {
	fs := flag.NewFlagSet("wallet-add", flag.ExitOnError)
	dbPath := fs.String("db", "sweepd.db", "Path to the registry database")
	name := fs.String("name", "", "Display name for the wallet")
	keyEnv := fs.String("key-env", defaultKeyEnv, "Environment variable holding the hex private key")
	chains := fs.String("chains", "", "Comma-separated chain keys the wallet watches")
	recipient := fs.String("recipient", "", "Address receiving swept native currency")
	user := fs.String("user", "", "Owning user id (a fresh one is generated when empty)")
	fs.Parse(args)

	keyHex, ok := os.LookupEnv(*keyEnv)
	if !ok || strings.TrimSpace(keyHex) == "" {
		return fmt.Errorf("environment variable %s is not set", *keyEnv)
	}
	keyHex = strings.TrimPrefix(strings.TrimSpace(keyHex), "0x")
	signer, err := registry.NewKeySigner(keyHex)
	if err != nil {
		return err
	}

	userID := uuid.New()
	if *user != "" {
		if userID, err = uuid.Parse(*user); err != nil {
			return fmt.Errorf("invalid user id: %w", err)
		}
	}

	wallet := &registry.Wallet{
		ID:       uuid.New(),
		UserID:   userID,
		Name:     *name,
		Address:  signer.Address(),
		Chains:   splitList(*chains),
		Status:   registry.StatusActive,
		Counters: registry.NewCounters(),
	}
	if *recipient != "" {
		if !common.IsHexAddress(*recipient) {
			return fmt.Errorf("invalid recipient address %q", *recipient)
		}
		wallet.NativeRecipient = common.HexToAddress(*recipient)
	}
	if len(wallet.Chains) == 0 {
		return fmt.Errorf("--chains is required")
	}

	store, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.PutWallet(wallet, keyHex); err != nil {
		return err
	}
	fmt.Printf("Added wallet %s (%s) user %s\n", wallet.ID, wallet.Address.Hex(), wallet.UserID)
	return nil
}

func runWalletList(args []string) error {
	fs := flag.NewFlagSet("wallet-list", flag.ExitOnError)
	dbPath := fs.String("db", "sweepd.db", "Path to the registry database")
	fs.Parse(args)

	store, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	wallets, err := store.ListActiveWallets(context.Background())
	if err != nil {
		return err
	}
	for _, w := range wallets {
		fmt.Printf("%s  %s  chains=%s tokens=%d txs=%d\n",
			w.ID, w.Address.Hex(), strings.Join(w.Chains, ","), len(w.Tokens), w.Counters.Transactions)
	}
	return nil
}

func runTokenAdd(args []string) error {
	fs := flag.NewFlagSet("token-add", flag.ExitOnError)
	dbPath := fs.String("db", "sweepd.db", "Path to the registry database")
	walletID := fs.String("wallet", "", "Wallet id the token belongs to")
	chain := fs.String("chain", "", "Chain key the contract lives on")
	contract := fs.String("contract", "", "Token contract address")
	standard := fs.String("standard", "erc20", "Token standard (erc20, erc721, erc1155, ...)")
	recipient := fs.String("recipient", "", "Address receiving swept tokens")
	tokenID := fs.String("token-id", "", "Token id for erc721 and erc1155 watches")
	fs.Parse(args)

	id, err := uuid.Parse(*walletID)
	if err != nil {
		return fmt.Errorf("invalid wallet id: %w", err)
	}
	kind, err := registry.ParseTokenKind(*standard)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(*contract) {
		return fmt.Errorf("invalid contract address %q", *contract)
	}
	if !common.IsHexAddress(*recipient) {
		return fmt.Errorf("invalid recipient address %q", *recipient)
	}
	watch := registry.TokenWatch{
		ID:        uuid.New(),
		Chain:     strings.ToLower(strings.TrimSpace(*chain)),
		Contract:  common.HexToAddress(*contract),
		Recipient: common.HexToAddress(*recipient),
		Kind:      kind,
		Counters:  registry.NewCounters(),
	}
	if watch.Chain == "" {
		return fmt.Errorf("--chain is required")
	}
	if *tokenID != "" {
		parsed, ok := new(big.Int).SetString(*tokenID, 10)
		if !ok {
			return fmt.Errorf("invalid token id %q", *tokenID)
		}
		watch.TokenID = parsed
	}
	if kind != registry.KindFungible && watch.TokenID == nil {
		return fmt.Errorf("--token-id is required for %s watches", *standard)
	}

	store, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.AddToken(id, watch); err != nil {
		return err
	}
	fmt.Printf("Added %s watch %s on %s\n", kind, watch.Contract.Hex(), watch.Chain)
	return nil
}

func runChainsImport(args []string) error {
	fs := flag.NewFlagSet("chains-import", flag.ExitOnError)
	dbPath := fs.String("db", "sweepd.db", "Path to the registry database")
	file := fs.String("file", "chains.toml", "Chain registry file to import")
	fs.Parse(args)

	reg, err := config.LoadChains(*file)
	if err != nil {
		return err
	}
	store, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	for _, desc := range reg.Chains {
		if err := store.PutChain(desc); err != nil {
			return err
		}
	}
	for chain, aliases := range reg.Standards {
		if err := store.PutTokenStandards(chain, aliases); err != nil {
			return err
		}
	}
	fmt.Printf("Imported %d chains from %s\n", len(reg.Chains), *file)
	return nil
}

func runConfigSet(args []string) error {
	fs := flag.NewFlagSet("config-set", flag.ExitOnError)
	dbPath := fs.String("db", "sweepd.db", "Path to the registry database")
	user := fs.String("user", "", "User id the overrides apply to")
	multiplier := fs.String("multiplier", "", "Gas price multiplier override")
	minBalance := fs.String("min-balance", "", "Native minimum balance override")
	gasLimit := fs.Uint64("gas-limit", 0, "Native gas limit override")
	maxRetries := fs.Int("max-retries", 0, "Submit retry override")
	retryDelay := fs.Duration("retry-delay", 0, "Delay between submit retries")
	native := fs.String("native", "", "Enable or disable native sweeps (true/false)")
	fs.Parse(args)

	userID, err := uuid.Parse(*user)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}
	cfg := registry.UserConfig{
		NativeGasLimit: *gasLimit,
		MaxRetries:     *maxRetries,
		RetryDelay:     *retryDelay,
	}
	if *multiplier != "" {
		if cfg.GasPriceMultiplier, err = decimal.NewFromString(*multiplier); err != nil {
			return fmt.Errorf("invalid multiplier: %w", err)
		}
	}
	if *minBalance != "" {
		if cfg.NativeMinBalance, err = decimal.NewFromString(*minBalance); err != nil {
			return fmt.Errorf("invalid min balance: %w", err)
		}
	}
	if *native != "" {
		enabled := *native == "true"
		if !enabled && *native != "false" {
			return fmt.Errorf("--native must be true or false")
		}
		cfg.NativeEnabled = &enabled
	}

	store, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.PutUserConfig(userID, cfg); err != nil {
		return err
	}
	fmt.Printf("Updated sweep overrides for user %s\n", userID)
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func usage() {
	fmt.Println("sweepctl <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  wallet-add      Register a wallet from a private key held in the environment")
	fmt.Println("  wallet-list     List active wallets and their counters")
	fmt.Println("  token-add       Register a token watch on an existing wallet")
	fmt.Println("  chains-import   Import a chains.toml registry file")
	fmt.Println("  config-set      Set per-user sweep overrides")
}
