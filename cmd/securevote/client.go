package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vocdoni/securevote/crypto/signatures/ethereum"
	"github.com/vocdoni/securevote/db"
	"github.com/vocdoni/securevote/db/metadb"
	"github.com/vocdoni/securevote/log"
	"github.com/vocdoni/securevote/orchestrator"
	"github.com/vocdoni/securevote/relayer"
	"github.com/vocdoni/securevote/shell"
	"github.com/vocdoni/securevote/storage"
	"github.com/vocdoni/securevote/web3"
	"github.com/vocdoni/securevote/web3/simulated"
)

// demoChainID is the chain id the demo wallet signs for.
const demoChainID = 1337

// demoContract is the address of the simulated contract of the demo mode.
var demoContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

// Client holds the collaborators built from the configuration.
type Client struct {
	Shell   *shell.Shell
	Storage *storage.Storage // nil when the journal is disabled
	Wallet  *web3.Wallet
}

// Close releases the shell and the journal.
func (c *Client) Close() {
	c.Shell.Close()
	if c.Storage != nil {
		c.Storage.Close()
	}
}

// openJournal opens the transaction journal under datadir, or returns nil if
// datadir is empty.
func openJournal(datadir string) (*storage.Storage, error) {
	if datadir == "" {
		return nil, nil
	}
	dir := filepath.Join(datadir, "journal")
	log.Debugw("opening transaction journal", "datadir", dir, "type", db.TypePebble)
	database, err := metadb.New(db.TypePebble, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction journal: %w", err)
	}
	return storage.New(database), nil
}

// newClient connects to the chain and the encryption service and binds the
// configured contract.
func newClient(ctx context.Context, cfg *Config) (*Client, error) {
	stg, err := openJournal(cfg.Datadir)
	if err != nil {
		return nil, err
	}
	c, err := connect(ctx, cfg, stg)
	if err != nil {
		if stg != nil {
			stg.Close()
		}
		return nil, err
	}
	return c, nil
}

func connect(ctx context.Context, cfg *Config, stg *storage.Storage) (*Client, error) {
	var (
		wallet      *web3.Wallet
		svc         relayer.Service
		newContract shell.ContractFactory
		err         error
	)
	contractAddr := cfg.Web3.Contract

	if cfg.Demo {
		mock, err := relayer.NewMock(nil)
		if err != nil {
			return nil, err
		}
		svc = mock
		fake := simulated.NewSecureVote(demoContract, mock, nil)
		newContract = func(addr common.Address) (orchestrator.Contract, error) {
			if addr != fake.Address() {
				return nil, fmt.Errorf("no contract deployed at %s", addr.Hex())
			}
			return fake, nil
		}
		if contractAddr == "" {
			contractAddr = fake.Address().Hex()
		}
		if cfg.Web3.PrivKey != "" {
			wallet, err = web3.NewWalletFromHex(cfg.Web3.PrivKey, demoChainID)
		} else {
			var signer *ethereum.Signer
			if signer, err = ethereum.NewSigner(); err == nil {
				wallet = web3.NewWallet(signer, demoChainID)
			}
		}
		if err != nil {
			return nil, err
		}
		log.Infow("using demo contract", "contract", fake.Address().Hex(), "wallet", wallet.Address().Hex())
	} else {
		network, err := web3.Connect(cfg.Web3.Rpc)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize web3 client: %w", err)
		}
		if wallet, err = web3.NewWalletFromHex(cfg.Web3.PrivKey, network.ChainID); err != nil {
			return nil, err
		}
		newContract = func(addr common.Address) (orchestrator.Contract, error) {
			contract, err := web3.NewSecureVote(addr, network.Client())
			if err != nil {
				return nil, err
			}
			return contract, nil
		}
		if cfg.Relayer.URL != "" {
			httpRelayer, err := relayer.NewHTTPClient(cfg.Relayer.URL)
			if err != nil {
				return nil, err
			}
			if err := httpRelayer.Init(ctx); err != nil {
				// operations needing encryption report the service as loading
				log.Warnw("encryption service not ready", "url", cfg.Relayer.URL, "error", err.Error())
			}
			svc = httpRelayer
		}
	}

	shellCfg := shell.Config{
		Wallet:      wallet,
		Relayer:     svc,
		NewContract: newContract,
	}
	if stg != nil {
		shellCfg.Recorder = stg
	}
	sh, err := shell.New(shellCfg)
	if err != nil {
		return nil, err
	}
	c := &Client{Shell: sh, Storage: stg, Wallet: wallet}
	if contractAddr != "" {
		if err := sh.SetContractAddress(contractAddr); err != nil {
			return nil, fmt.Errorf("%s (%s)", orchestrator.UserMessage(err), contractAddr)
		}
	}
	return c, nil
}

// session loads the polls of the contract and returns the session of id.
func (c *Client) session(ctx context.Context, id uint64) (*orchestrator.Session, error) {
	if err := c.Shell.Refresh(ctx); err != nil {
		return nil, err
	}
	return c.Shell.Session(id)
}
