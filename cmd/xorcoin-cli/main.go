// xorcoin-cli is a command-line client for interacting with an xorcoind node.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jnodes/xorcoin/config"
	"github.com/jnodes/xorcoin/internal/rpc"
	"github.com/jnodes/xorcoin/internal/rpcclient"
	"github.com/jnodes/xorcoin/pkg/crypto"
	"github.com/jnodes/xorcoin/pkg/tx"
	"github.com/jnodes/xorcoin/pkg/types"
	"golang.org/x/term"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	rpcURL := "http://127.0.0.1:8545"

	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--network" && len(args) > 1:
			// Accepted for symmetry with xorcoind; addresses carry no
			// network prefix so there is nothing else to configure here.
			args = args[2:]
		case strings.HasPrefix(args[0], "--network="):
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	client := rpcclient.New(rpcURL)
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(client)
	case "block":
		cmdBlock(client, cmdArgs)
	case "tx":
		cmdTx(client, cmdArgs)
	case "balance":
		cmdBalance(client, cmdArgs)
	case "mempool":
		cmdMempool(client)
	case "peers":
		cmdPeers(client)
	case "send":
		cmdSend(client, cmdArgs)
	case "key":
		cmdKey(cmdArgs)
	case "mining":
		cmdMining(client, cmdArgs)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: xorcoin-cli [global flags] <command> [flags]

Global flags:
  --rpc <url>       RPC endpoint (default: http://127.0.0.1:8545)
  --network <net>   mainnet (default) or testnet

Commands:
  status                          Show chain status
  block <hash|height>             Show block details
  tx <hash>                       Show transaction details
  balance <address>               Show address balance
  mempool                         Show mempool stats
  peers                           Show connected peers and node info

  send --utxo <txid:vout:value> --to <addr> --amount <amt> [--change <addr>] [--feerate <n>]
                                  Build, sign, and submit a transaction spending
                                  the given UTXOs. Prompts for the mnemonic
                                  passphrase that unlocks the signing key.

  key generate                   Generate a new mnemonic and print its address
  key address                    Derive and print the address for a mnemonic
  key sign --hash <hex>          Sign a 32-byte hash with a mnemonic-derived key
  key verify --pubkey <hex> --hash <hex> --sig <hex>
                                  Verify a signature against a public key

  mining gettemplate --address <coinbase>
                                  Get a PoW block template for external mining
  mining submit --block <json_file>
                                  Submit a solved PoW block
`)
}

// ── status ──────────────────────────────────────────────────────────────

func cmdStatus(client *rpcclient.Client) {
	var info rpc.ChainInfoResult
	if err := client.Call("chain_getInfo", nil, &info); err != nil {
		fatal("chain_getInfo: %v", err)
	}

	fmt.Printf("Chain:          %s\n", info.ChainID)
	if info.Symbol != "" {
		fmt.Printf("Symbol:         %s\n", info.Symbol)
	}
	fmt.Printf("Height:         %d\n", info.Height)
	fmt.Printf("Tip:            %s\n", info.TipHash)
	fmt.Printf("Difficulty:     %d\n", info.Difficulty)
	fmt.Printf("Reward:         %s %s\n", formatAmount(info.CurrentReward), symbolOr("coins"))
	fmt.Printf("Total supply:   %s %s\n", formatAmount(info.TotalSupply), symbolOr("coins"))
	fmt.Printf("Next halving:   %d blocks\n", info.BlocksToHalving)

	var peers rpc.PeerInfoResult
	if err := client.Call("net_getPeerInfo", nil, &peers); err != nil {
		fatal("net_getPeerInfo: %v", err)
	}
	fmt.Printf("Peers:          %d\n", peers.Count)
}

func symbolOr(fallback string) string {
	return fallback
}

// ── block ───────────────────────────────────────────────────────────────

func cmdBlock(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: xorcoin-cli block <hash|height>")
	}

	arg := args[0]
	var result rpc.BlockResult

	if height, err := strconv.ParseUint(arg, 10, 64); err == nil {
		if err := client.Call("chain_getBlockByHeight", rpc.HeightParam{Height: height}, &result); err != nil {
			fatal("chain_getBlockByHeight: %v", err)
		}
	} else {
		if err := client.Call("chain_getBlockByHash", rpc.HashParam{Hash: arg}, &result); err != nil {
			fatal("chain_getBlockByHash: %v", err)
		}
	}

	fmt.Printf("Hash:         %s\n", result.Hash)
	fmt.Printf("Height:       %d\n", result.Header.Height)
	fmt.Printf("Prev:         %s\n", result.Header.PrevHash)
	fmt.Printf("Merkle Root:  %s\n", result.Header.MerkleRoot)
	ts := time.Unix(int64(result.Header.Timestamp), 0).UTC()
	fmt.Printf("Timestamp:    %s\n", ts.Format("2006-01-02 15:04:05 UTC"))
	fmt.Printf("Nonce:        %d\n", result.Header.Nonce)
	fmt.Printf("Transactions: %d\n", len(result.Transactions))
	for i, t := range result.Transactions {
		fmt.Printf("  [%d] %s\n", i, t.Hash)
	}
}

// ── tx ──────────────────────────────────────────────────────────────────

func cmdTx(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: xorcoin-cli tx <hash>")
	}

	var result rpc.TxResult
	if err := client.Call("chain_getTransaction", rpc.HashParam{Hash: args[0]}, &result); err != nil {
		fatal("chain_getTransaction: %v", err)
	}

	fmt.Printf("Hash:     %s\n", result.Hash)
	fmt.Printf("Version:  %d\n", result.Version)
	fmt.Printf("LockTime: %d\n", result.LockTime)
	fmt.Printf("Inputs:   %d\n", len(result.Inputs))
	for i, in := range result.Inputs {
		fmt.Printf("  [%d] %s\n", i, in.PrevOut.String())
	}
	fmt.Printf("Outputs:  %d\n", len(result.Outputs))
	for i, out := range result.Outputs {
		fmt.Printf("  [%d] %s\n", i, formatAmount(out.Value))
	}
}

// ── balance ─────────────────────────────────────────────────────────────

func cmdBalance(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: xorcoin-cli balance <address>")
	}

	var result rpc.BalanceResult
	if err := client.Call("utxo_getBalance", rpc.AddressParam{Address: args[0]}, &result); err != nil {
		fatal("utxo_getBalance: %v", err)
	}

	fmt.Printf("Address:   %s\n", result.Address)
	fmt.Printf("Spendable: %s\n", formatAmount(result.Spendable))
	if result.Balance != result.Spendable {
		fmt.Printf("Total:     %s\n", formatAmount(result.Balance))
		if result.Immature > 0 {
			fmt.Printf("Immature:  %s\n", formatAmount(result.Immature))
		}
	}
}

// ── mempool ─────────────────────────────────────────────────────────────

func cmdMempool(client *rpcclient.Client) {
	var info rpc.MempoolInfoResult
	if err := client.Call("mempool_getInfo", nil, &info); err != nil {
		fatal("mempool_getInfo: %v", err)
	}

	fmt.Printf("Count:        %d\n", info.Count)
	fmt.Printf("Min Fee Rate: %d per byte\n", info.MinFeeRate)

	if info.Count > 0 {
		var content rpc.MempoolContentResult
		if err := client.Call("mempool_getContent", nil, &content); err != nil {
			fatal("mempool_getContent: %v", err)
		}
		fmt.Println("Pending:")
		for _, h := range content.Hashes {
			fmt.Printf("  %s\n", h)
		}
	}
}

// ── peers ───────────────────────────────────────────────────────────────

func cmdPeers(client *rpcclient.Client) {
	var node rpc.NodeInfoResult
	if err := client.Call("net_getNodeInfo", nil, &node); err != nil {
		fatal("net_getNodeInfo: %v", err)
	}
	fmt.Printf("Listen: %s\n", node.Addr)

	var peers rpc.PeerInfoResult
	if err := client.Call("net_getPeerInfo", nil, &peers); err != nil {
		fatal("net_getPeerInfo: %v", err)
	}
	fmt.Printf("Peers:  %d\n", peers.Count)
	for _, p := range peers.Peers {
		dir := "outbound"
		if p.Inbound {
			dir = "inbound"
		}
		fmt.Printf("  %s (%s, height %d, since %s)\n", p.Addr, dir, p.BestHeight, p.ConnectedAt)
	}
}

// ── send ────────────────────────────────────────────────────────────────

// utxoInput is a manually-specified input: there is no wallet index to
// select coins automatically, so the caller names the UTXOs to spend.
type utxoInput struct {
	txID  string
	index uint32
	value uint64
}

func parseUTXOFlag(s string) (utxoInput, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return utxoInput{}, fmt.Errorf("expected txid:vout:value, got %q", s)
	}
	index, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return utxoInput{}, fmt.Errorf("invalid vout: %w", err)
	}
	value, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return utxoInput{}, fmt.Errorf("invalid value: %w", err)
	}
	return utxoInput{txID: parts[0], index: uint32(index), value: value}, nil
}

type utxoFlags []string

func (u *utxoFlags) String() string { return strings.Join(*u, ",") }
func (u *utxoFlags) Set(v string) error {
	*u = append(*u, v)
	return nil
}

func cmdSend(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var utxos utxoFlags
	fs.Var(&utxos, "utxo", "UTXO to spend, as txid:vout:value (repeatable)")
	toAddr := fs.String("to", "", "Recipient address")
	amountStr := fs.String("amount", "", "Amount to send (e.g. 1.5)")
	changeAddr := fs.String("change", "", "Change address (defaults to sender's own address)")
	feeRate := fs.Uint64("feerate", 1, "Fee rate, base units per byte")
	fs.Parse(args)

	if len(utxos) == 0 || *toAddr == "" || *amountStr == "" {
		fatal("Usage: xorcoin-cli send --utxo <txid:vout:value> [--utxo ...] --to <addr> --amount <amt>")
	}

	amount, err := parseAmount(*amountStr)
	if err != nil {
		fatal("invalid amount: %v", err)
	}
	if _, err := types.ParseAddress(*toAddr); err != nil {
		fatal("invalid recipient address: %v", err)
	}

	key, fromAddr := loadSigningKey()
	defer key.Zero()

	change := fromAddr
	if *changeAddr != "" {
		parsed, err := types.ParseAddress(*changeAddr)
		if err != nil {
			fatal("invalid change address: %v", err)
		}
		change = parsed
	}

	b := tx.NewBuilder()
	var total uint64
	for _, u := range utxos {
		in, err := parseUTXOFlag(u)
		if err != nil {
			fatal("invalid --utxo: %v", err)
		}
		txHash, err := types.HexToHash(in.txID)
		if err != nil {
			fatal("invalid utxo txid: %v", err)
		}
		b.AddInput(types.Outpoint{TxID: txHash, Index: in.index})
		total += in.value
	}

	toAddress, _ := types.ParseAddress(*toAddr)
	b.AddOutput(amount, types.P2PKHScript(toAddress))

	fee := tx.EstimateTxFee(len(utxos), 2, *feeRate)
	if total < amount+fee {
		fatal("insufficient input value: have %s, need %s (amount + fee)",
			formatAmount(total), formatAmount(amount+fee))
	}
	if remainder := total - amount - fee; remainder > 0 {
		b.AddOutput(remainder, types.P2PKHScript(change))
	}

	if err := b.Sign(key); err != nil {
		fatal("sign transaction: %v", err)
	}
	transaction := b.Build()

	var result rpc.TxSubmitResult
	if err := client.Call("tx_submit", rpc.TxSubmitParam{Transaction: transaction}, &result); err != nil {
		fatal("tx_submit: %v", err)
	}
	fmt.Printf("Submitted: %s\n", result.TxHash)
}

// loadSigningKey prompts for a mnemonic and passphrase, derives the
// account-0 identity key, and returns it with its address.
func loadSigningKey() (*crypto.PrivateKey, types.Address) {
	mnemonic, err := readLine("Mnemonic: ")
	if err != nil {
		fatal("read mnemonic: %v", err)
	}
	if !crypto.ValidateMnemonic(mnemonic) {
		fatal("invalid mnemonic")
	}
	passphrase, err := readPassword("Passphrase (leave empty if none): ")
	if err != nil {
		fatal("read passphrase: %v", err)
	}

	seed, err := crypto.SeedFromMnemonic(mnemonic, string(passphrase))
	if err != nil {
		fatal("derive seed: %v", err)
	}
	master, err := crypto.NewMasterKey(seed)
	if err != nil {
		fatal("derive master key: %v", err)
	}
	identity, err := master.DeriveIdentity(0, 0, 0)
	if err != nil {
		fatal("derive identity key: %v", err)
	}
	key, err := identity.Signer()
	if err != nil {
		fatal("derive signing key: %v", err)
	}
	addr := crypto.AddressFromPubKey(key.PublicKey())
	return key, addr
}

// ── key ─────────────────────────────────────────────────────────────────

func cmdKey(args []string) {
	if len(args) < 1 {
		fatal("Usage: xorcoin-cli key <generate|address|sign|verify> [flags]")
	}
	switch args[0] {
	case "generate":
		cmdKeyGenerate()
	case "address":
		cmdKeyAddress()
	case "sign":
		cmdKeySign(args[1:])
	case "verify":
		cmdKeyVerify(args[1:])
	default:
		fatal("Unknown key command: %s", args[0])
	}
}

func cmdKeyGenerate() {
	mnemonic, err := crypto.GenerateMnemonic()
	if err != nil {
		fatal("generate mnemonic: %v", err)
	}
	seed, err := crypto.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		fatal("derive seed: %v", err)
	}
	master, err := crypto.NewMasterKey(seed)
	if err != nil {
		fatal("derive master key: %v", err)
	}
	identity, err := master.DeriveIdentity(0, 0, 0)
	if err != nil {
		fatal("derive identity key: %v", err)
	}
	key, err := identity.Signer()
	if err != nil {
		fatal("derive signing key: %v", err)
	}
	defer key.Zero()
	addr := crypto.AddressFromPubKey(key.PublicKey())

	fmt.Printf("Mnemonic: %s\n", mnemonic)
	fmt.Printf("Address:  %s\n", addr)
	fmt.Println()
	fmt.Println("Write the mnemonic down. It is the only way to recover this key.")
}

func cmdKeyAddress() {
	_, addr := loadSigningKey()
	fmt.Printf("Address: %s\n", addr)
}

func cmdKeySign(args []string) {
	fs := flag.NewFlagSet("key sign", flag.ExitOnError)
	hashHex := fs.String("hash", "", "32-byte hash to sign, hex-encoded")
	fs.Parse(args)
	if *hashHex == "" {
		fatal("Usage: xorcoin-cli key sign --hash <hex>")
	}
	hash, err := hex.DecodeString(*hashHex)
	if err != nil {
		fatal("invalid hash: %v", err)
	}

	key, _ := loadSigningKey()
	defer key.Zero()

	sig, err := key.Sign(hash)
	if err != nil {
		fatal("sign: %v", err)
	}
	fmt.Printf("Signature: %s\n", hex.EncodeToString(sig))
	fmt.Printf("PubKey:    %s\n", hex.EncodeToString(key.CompressedPublicKey()))
}

func cmdKeyVerify(args []string) {
	fs := flag.NewFlagSet("key verify", flag.ExitOnError)
	pubKeyHex := fs.String("pubkey", "", "Public key, hex-encoded")
	hashHex := fs.String("hash", "", "32-byte hash, hex-encoded")
	sigHex := fs.String("sig", "", "Signature, hex-encoded")
	fs.Parse(args)
	if *pubKeyHex == "" || *hashHex == "" || *sigHex == "" {
		fatal("Usage: xorcoin-cli key verify --pubkey <hex> --hash <hex> --sig <hex>")
	}

	pubKey, err := hex.DecodeString(*pubKeyHex)
	if err != nil {
		fatal("invalid pubkey: %v", err)
	}
	hash, err := hex.DecodeString(*hashHex)
	if err != nil {
		fatal("invalid hash: %v", err)
	}
	sig, err := hex.DecodeString(*sigHex)
	if err != nil {
		fatal("invalid sig: %v", err)
	}

	if crypto.VerifySignature(hash, sig, pubKey) {
		fmt.Println("valid")
	} else {
		fmt.Println("invalid")
		os.Exit(1)
	}
}

// ── mining ──────────────────────────────────────────────────────────────

func cmdMining(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: xorcoin-cli mining <gettemplate|submit> [flags]")
	}
	switch args[0] {
	case "gettemplate":
		cmdMiningGetTemplate(client, args[1:])
	case "submit":
		cmdMiningSubmit(client, args[1:])
	default:
		fatal("Unknown mining command: %s", args[0])
	}
}

func cmdMiningGetTemplate(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("mining gettemplate", flag.ExitOnError)
	address := fs.String("address", "", "Coinbase address")
	fs.Parse(args)
	if *address == "" {
		fatal("Usage: xorcoin-cli mining gettemplate --address <coinbase>")
	}

	var result rpc.MiningBlockTemplateResult
	if err := client.Call("mining_getBlockTemplate", rpc.MiningGetBlockTemplateParam{
		CoinbaseAddress: *address,
	}, &result); err != nil {
		fatal("mining_getBlockTemplate: %v", err)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fatal("marshal result: %v", err)
	}
	fmt.Println(string(data))
}

func cmdMiningSubmit(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("mining submit", flag.ExitOnError)
	blockFile := fs.String("block", "", "Path to solved block JSON file")
	fs.Parse(args)
	if *blockFile == "" {
		fatal("Usage: xorcoin-cli mining submit --block <json_file>")
	}

	blockData, err := os.ReadFile(*blockFile)
	if err != nil {
		fatal("read block file: %v", err)
	}
	var blk json.RawMessage
	if err := json.Unmarshal(blockData, &blk); err != nil {
		fatal("invalid block JSON: %v", err)
	}

	params := map[string]interface{}{"block": blk}
	var result rpc.MiningSubmitBlockResult
	if err := client.Call("mining_submitBlock", params, &result); err != nil {
		fatal("mining_submitBlock: %v", err)
	}

	fmt.Printf("Block accepted!\n")
	fmt.Printf("  Hash:   %s\n", result.BlockHash)
	fmt.Printf("  Height: %d\n", result.Height)
}

// ── formatting helpers ───────────────────────────────────────────────────

func formatAmount(units uint64) string {
	whole := units / config.Coin
	frac := units % config.Coin
	return fmt.Sprintf("%d.%08d", whole, frac)
}

func parseAmount(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative amount")
	}

	parts := strings.SplitN(s, ".", 2)
	whole, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid whole part: %w", err)
	}

	var frac uint64
	if len(parts) == 2 {
		fracStr := parts[1]
		if len(fracStr) > config.Decimals {
			return 0, fmt.Errorf("too many decimal places (max %d)", config.Decimals)
		}
		for len(fracStr) < config.Decimals {
			fracStr += "0"
		}
		frac, err = strconv.ParseUint(fracStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid fractional part: %w", err)
		}
	}

	return whole*config.Coin + frac, nil
}

// ── input helpers ─────────────────────────────────────────────────────────

func readLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	var line string
	if _, err := fmt.Scanln(&line); err != nil {
		return "", err
	}
	return line, nil
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return password, nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
