package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/vocdoni/securevote/crypto/signatures/ethereum"
	"github.com/vocdoni/securevote/log"
	"github.com/vocdoni/securevote/orchestrator"
	"github.com/vocdoni/securevote/poll"
	"github.com/vocdoni/securevote/service"
	"github.com/vocdoni/securevote/storage"
)

func withClient(ctx context.Context, cfg *Config, fn func(*Client) error) error {
	c, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func runAddress(_ context.Context, cfg *Config) error {
	signer, err := ethereum.NewSignerFromHex(cfg.Web3.PrivKey)
	if err != nil {
		return fmt.Errorf("failed to load private key: %w", err)
	}
	fmt.Println(signer.Address().Hex())
	return nil
}

func runPolls(ctx context.Context, cfg *Config) error {
	return withClient(ctx, cfg, func(c *Client) error {
		if err := c.Shell.Refresh(ctx); err != nil {
			return err
		}
		views := c.Shell.Polls()
		if len(views) == 0 {
			fmt.Println("No polls yet.")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tVOTED\tOPTIONS\tRESULTS")
		for _, v := range views {
			name, options := "", ""
			if v.Poll != nil {
				name, options = v.Poll.Name, strings.Join(v.Poll.Options, ", ")
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\t%s\n",
				v.PollID, name, v.Status, v.HasVoted, options, formatResults(v.Results))
		}
		return tw.Flush()
	})
}

func formatResults(results []poll.OptionResult) string {
	if len(results) == 0 {
		return "-"
	}
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = fmt.Sprintf("%s=%d", r.Option, r.Count)
	}
	return strings.Join(parts, " ")
}

func runCreatePoll(ctx context.Context, cfg *Config) error {
	return withClient(ctx, cfg, func(c *Client) error {
		creator := c.Shell.Creator()
		form := creator.Form()
		form.Name = cfg.Poll.Name
		if len(cfg.Poll.Options) > 0 {
			form.Options = cfg.Poll.Options
		}
		if cfg.Poll.Start != "" {
			form.StartTime = cfg.Poll.Start
			if cfg.Poll.End == "" {
				start, err := orchestrator.ParseTime(cfg.Poll.Start, time.Local)
				if err == nil {
					form.EndTime = time.Unix(int64(start), 0).Add(time.Hour).Format(orchestrator.DateTimeLocalLayout)
				}
			}
		}
		if cfg.Poll.End != "" {
			form.EndTime = cfg.Poll.End
		}
		feedback, err := creator.CreateForm(ctx, form)
		if err != nil {
			return err
		}
		fmt.Println(feedback.Success)
		if ids := c.Shell.PollIDs(); len(ids) > 0 {
			fmt.Printf("Latest poll id: %d\n", ids[0])
		}
		return nil
	})
}

// runOperation runs op on the configured poll and prints its feedback.
func runOperation(ctx context.Context, cfg *Config, op func(*orchestrator.Session) error) error {
	return withClient(ctx, cfg, func(c *Client) error {
		session, err := c.session(ctx, cfg.Poll.ID)
		if err != nil {
			return err
		}
		if err := op(session); err != nil {
			return err
		}
		fmt.Println(session.View().Feedback.Success)
		return nil
	})
}

func runVote(ctx context.Context, cfg *Config) error {
	return runOperation(ctx, cfg, func(s *orchestrator.Session) error {
		return s.SubmitVote(ctx, cfg.Poll.Choice)
	})
}

func runEndPoll(ctx context.Context, cfg *Config) error {
	return runOperation(ctx, cfg, func(s *orchestrator.Session) error {
		return s.EndPoll(ctx)
	})
}

func printTally(s *orchestrator.Session) {
	for _, r := range s.View().Decrypted {
		fmt.Printf("  %s: %d\n", r.Option, r.Count)
	}
}

func runDecrypt(ctx context.Context, cfg *Config) error {
	return runOperation(ctx, cfg, func(s *orchestrator.Session) error {
		if _, err := s.DecryptResults(ctx); err != nil {
			return err
		}
		printTally(s)
		return nil
	})
}

// runPublish decrypts and publishes in one go, since the local tally does
// not outlive the process.
func runPublish(ctx context.Context, cfg *Config) error {
	return runOperation(ctx, cfg, func(s *orchestrator.Session) error {
		if _, err := s.DecryptResults(ctx); err != nil {
			return err
		}
		printTally(s)
		return s.PublishResults(ctx)
	})
}

func runHistory(_ context.Context, cfg *Config) error {
	stg, err := openJournal(cfg.Datadir)
	if err != nil {
		return err
	}
	if stg == nil {
		return fmt.Errorf("transaction journal disabled (empty datadir)")
	}
	defer stg.Close()
	return printHistory(os.Stdout, stg, cfg.Tx, time.Now())
}

// printHistory prunes the journal if txCfg.Prune is set and writes the
// records matching txCfg to w.
func printHistory(w io.Writer, stg *storage.Storage, txCfg TxConfig, now time.Time) error {
	if txCfg.Prune > 0 {
		removed, err := stg.PruneTxs(now.Add(-txCfg.Prune))
		if err != nil {
			return err
		}
		log.Infow("transaction journal pruned", "removed", removed, "age", txCfg.Prune.String())
		fmt.Fprintf(w, "Pruned %d transactions older than %s.\n", removed, txCfg.Prune)
	}

	filter := storage.TxFilter{Limit: txCfg.Limit}
	if txCfg.Poll >= 0 {
		pollID := uint64(txCfg.Poll)
		filter.PollID = &pollID
	}
	if txCfg.Status != "" {
		status, err := storage.ParseTxStatus(txCfg.Status)
		if err != nil {
			return err
		}
		filter.Status = &status
	}
	txs, err := stg.ListTxs(filter)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		fmt.Fprintln(w, "No transactions.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tOP\tPOLL\tSTATUS\tTX\tERROR")
	for _, tx := range txs {
		pollID := "-"
		if tx.PollID != nil {
			pollID = fmt.Sprint(*tx.PollID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			tx.CreatedAt.Local().Format(time.DateTime), tx.Op, pollID, tx.Status, tx.TxHash.Hex(), tx.Error)
	}
	return tw.Flush()
}

func runServe(ctx context.Context, cfg *Config) error {
	return withClient(ctx, cfg, func(c *Client) error {
		if _, valid := c.Shell.ContractAddress(); valid {
			if err := c.Shell.Refresh(ctx); err != nil {
				log.Warnw("failed to load polls", "error", err.Error())
			}
		}

		log.Infow("starting poll monitor", "interval", cfg.Monitor.Interval.String())
		monitor := service.NewPollMonitor(service.EventSourceOf(c.Shell.Contract()), c.Shell, cfg.Monitor.Interval)
		c.Shell.OnContractChange(func(contract orchestrator.Contract) {
			if err := monitor.SetSource(service.EventSourceOf(contract)); err != nil {
				log.Warnw("failed to follow poll events", "error", err.Error())
			}
		})
		if err := monitor.Start(ctx); err != nil {
			return err
		}
		defer monitor.Stop()

		log.Infow("starting API service", "host", cfg.API.Host, "port", cfg.API.Port)
		apiService := service.NewAPI(c.Shell, c.Storage, cfg.API.Host, cfg.API.Port, false)
		if err := apiService.Start(ctx); err != nil {
			return err
		}
		defer apiService.Stop()

		log.Infow("securevote is running",
			"wallet", c.Wallet.Address().Hex(),
			"relayerReady", c.Shell.RelayerReady(),
			"pollCount", len(c.Shell.PollIDs()))
		<-ctx.Done()
		log.Info("shutting down")
		return nil
	})
}
