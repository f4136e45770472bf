package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/xirs/xirs/internal/hub"
	"github.com/xirs/xirs/internal/model"
	"github.com/xirs/xirs/internal/packet"
	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/store"
	"github.com/xirs/xirs/internal/trust"
)

// GetHub opens the Hub database and its keys, initializing if needed.
func GetHub() (*hub.Hub, error) {
	if hubEngine != nil {
		return hubEngine, nil
	}
	cfg, dir, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	h, err := hub.Open(context.Background(), cfg, dir, logger)
	if err != nil {
		return nil, err
	}
	hubEngine = h
	return h, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func stationType(s string) (protocol.StationType, error) {
	st := protocol.StationType(strings.ToUpper(s))
	if !st.Valid() || st == protocol.StationHub {
		return "", fmt.Errorf("unknown station type %q (PHARMACY, DOCTOR, SUPPLY, RUNNER)", s)
	}
	return st, nil
}

// RunHubKeygen creates the Hub trust root.
func RunHubKeygen(force bool) error {
	if dryRun {
		fmt.Println("[DRY-RUN] Would generate Hub keys")
		return nil
	}
	cfg, dir, _, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := hub.OpenStore(cfg, dir)
	if err != nil {
		return err
	}
	defer db.Close()

	kv := store.NewSQLStore(db.DB())
	ctx := context.Background()
	if force {
		if _, err := hub.LoadKeys(ctx, kv); err == nil && !ConfirmAction("Replace the Hub keys? Every paired station must pair again") {
			fmt.Println("Cancelled.")
			return nil
		}
	}
	keys, err := hub.GenerateKeys()
	if err != nil {
		return err
	}
	if err := hub.SaveKeys(ctx, kv, keys, force); err != nil {
		return err
	}
	fmt.Println("✓ Hub keys generated")
	fmt.Printf("  Signing key:    %s\n", keys.SigningKey())
	fmt.Printf("  Encryption key: %s\n", keys.EncryptionKey())
	return nil
}

// RunHubInvite issues a pairing code and prints the signed invite.
func RunHubInvite(typ, stationID, name string) error {
	st, err := stationType(typ)
	if err != nil {
		return err
	}
	cfg, _, _, err := loadConfig()
	if err != nil {
		return err
	}
	h, err := GetHub()
	if err != nil {
		return err
	}
	url := strings.TrimRight(cfg.Hub.PublicURL, "/")
	if url == "" {
		return fmt.Errorf("set hub.public_url in %s so stations can reach this Hub", getConfigDir())
	}
	inv, err := h.Pairing.Invite(context.Background(), url, stationID, st, name)
	if err != nil {
		return err
	}
	data, err := packet.Marshal(inv)
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintf(os.Stderr, "✓ Pairing code %s for %s (%s), expires %s\n",
			inv.PairingCode, inv.StationID, inv.StationType, time.Unix(inv.ExpiresAt, 0).Local().Format("15:04"))
		fmt.Fprintln(os.Stderr, "  Show this invite as one QR code:")
	}
	fmt.Println(string(data))
	return nil
}

// RunHubServe serves the pairing and ingest API until interrupted.
func RunHubServe(listen string) error {
	cfg, _, logger, err := loadConfig()
	if err != nil {
		return err
	}
	h, err := GetHub()
	if err != nil {
		return err
	}
	if listen == "" {
		listen = cfg.Hub.Listen
	}

	srv := hub.NewServer(h.Pairing, h.Ingest, hub.ServerConfig{
		CORSOrigins: cfg.Hub.CORSOrigins,
		PairRate:    rate.Every(cfg.Hub.PairRate.Duration),
		PairBurst:   cfg.Hub.PairBurst,
	}, logger)
	server := &http.Server{
		Addr:         listen,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signalContext()
	defer stop()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := h.Pairing.PurgeExpired(ctx); err != nil {
					logger.Error().Err(err).Msg("failed to purge pairing codes")
				} else if n > 0 {
					logger.Debug().Int("purged", n).Msg("expired pairing codes purged")
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", listen).Msg("hub listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("hub server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down hub")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("hub shutdown failed: %w", err)
	}
	return nil
}

// RunHubOfflineConfig registers a station and prints its bundle chunks.
func RunHubOfflineConfig(typ, stationID, name string) error {
	st, err := stationType(typ)
	if err != nil {
		return err
	}
	cfg, _, _, err := loadConfig()
	if err != nil {
		return err
	}
	h, err := GetHub()
	if err != nil {
		return err
	}
	bundle, err := h.Pairing.RegisterOffline(context.Background(), stationID, st, name, cfg.Hub.OfflineTTL.Duration)
	if err != nil {
		return err
	}
	chunks, err := packet.Encode(cfg.ChunkCodec(), bundle)
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintf(os.Stderr, "✓ Registered %s (%s), bundle expires %s\n", bundle.StationID, bundle.StationType,
			time.Unix(bundle.ExpiresAt, 0).Local().Format("2006-01-02"))
		fmt.Fprintln(os.Stderr, "  The bundle holds the station secret; show it only to that device.")
	}
	printChunks(chunks)
	return nil
}

// RunHubManifest signs a restock manifest.
func RunHubManifest(stationID string, specs []string) error {
	items, _, err := parseItems(specs)
	if err != nil {
		return err
	}
	cfg, _, _, err := loadConfig()
	if err != nil {
		return err
	}
	h, err := GetHub()
	if err != nil {
		return err
	}
	if _, err := h.Stations.Get(context.Background(), stationID); err != nil {
		return fmt.Errorf("unknown station %s: %w", stationID, err)
	}
	m, err := h.Issuer.Manifest(stationID, items)
	if err != nil {
		return err
	}
	chunks, err := packet.Encode(cfg.ChunkCodec(), m)
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintf(os.Stderr, "✓ Manifest %s, short code %s\n", m.ManifestID, m.ShortCode)
	}
	printChunks(chunks)
	return nil
}

// RunHubCert certifies a prescriber key.
func RunHubCert(subjectID, publicKey string, days int, controlled bool) error {
	pub, err := trust.DecodeSigningKey(publicKey)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	perms := []string{model.PermRxWrite}
	if controlled {
		perms = append(perms, model.PermRxControlled)
	}
	h, err := GetHub()
	if err != nil {
		return err
	}
	ctx := context.Background()
	cert, err := h.Issuer.Certificate(subjectID, pub, time.Duration(days)*24*time.Hour, perms)
	if err != nil {
		return err
	}
	if err := h.Certs.Put(ctx, cert); err != nil {
		return err
	}
	u, err := h.Issuer.CertUpdate([]model.Certificate{cert}, nil)
	if err != nil {
		return err
	}
	return printCertUpdate(u, fmt.Sprintf("Certified %s until %s", subjectID,
		time.Unix(cert.ValidUntil, 0).UTC().Format("2006-01-02")))
}

// RunHubRevoke revokes a prescriber.
func RunHubRevoke(subjectID string) error {
	if dryRun {
		fmt.Printf("[DRY-RUN] Would revoke %s\n", subjectID)
		return nil
	}
	h, err := GetHub()
	if err != nil {
		return err
	}
	if err := h.Certs.Revoke(context.Background(), subjectID); err != nil {
		return err
	}
	u, err := h.Issuer.CertUpdate(nil, []string{subjectID})
	if err != nil {
		return err
	}
	return printCertUpdate(u, "Revoked "+subjectID)
}

func printCertUpdate(u *packet.CertUpdate, msg string) error {
	cfg, _, _, err := loadConfig()
	if err != nil {
		return err
	}
	chunks, err := packet.Encode(cfg.ChunkCodec(), u)
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintf(os.Stderr, "✓ %s\n  Scan the update at every pharmacy and doctor station.\n", msg)
	}
	printChunks(chunks)
	return nil
}

// RunHubStations lists registered stations.
func RunHubStations() error {
	h, err := GetHub()
	if err != nil {
		return err
	}
	list, err := h.Stations.List(context.Background())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No stations registered.")
		return nil
	}
	fmt.Println("Station                     Type       Paired via  Registered        Name")
	fmt.Println("────────────────────────────────────────────────────────────────────────────")
	for _, s := range list {
		fmt.Printf("%-27s %-10s %-11s %-17s %s\n",
			s.StationID, s.StationType, s.PairedVia, s.RegisteredAt.Local().Format("2006-01-02 15:04"), s.DisplayName)
	}
	return nil
}

// RunHubScan ingests scanned chunks at the Hub.
func RunHubScan(path string) error {
	lines, err := readChunks(path)
	if err != nil {
		return err
	}
	h, err := GetHub()
	if err != nil {
		return err
	}
	ctx := context.Background()
	sess := h.Ingest.NewSession()
	for _, line := range lines {
		if _, err := sess.Feed(ctx, line); err != nil {
			return err
		}
	}
	res, ok := sess.Result()
	if !ok {
		return protocol.FormatErr(protocol.CodeMalformedChunk, "chunks", "packet incomplete, scan the missing chunks")
	}
	return printResult(res)
}

// RunHubReports lists received reports.
func RunHubReports(stationID string) error {
	h, err := GetHub()
	if err != nil {
		return err
	}
	reports, err := h.Ingest.Reports(context.Background(), stationID)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		fmt.Println("No reports received.")
		return nil
	}
	for _, r := range reports {
		sealed := "plain"
		if r.Sealed {
			sealed = "sealed"
		}
		fmt.Printf("%-20s seq %-5d %-6s %3d action(s)  %s\n",
			r.Report.StationID, r.Report.SeqID, sealed, len(r.Report.Actions), r.ReceivedAt.Local().Format("2006-01-02 15:04"))
		if verbose {
			for _, a := range r.Report.Actions {
				fmt.Printf("  %-9s %-10s %4d %-8s %s\n", a.Type, a.ItemCode, a.Qty, a.Unit, a.PersonID)
			}
		}
	}
	return nil
}

// RunHubAudit shows the Hub's audit trail.
func RunHubAudit(limit int) error {
	h, err := GetHub()
	if err != nil {
		return err
	}
	return printAudit(h.Audit, limit)
}
