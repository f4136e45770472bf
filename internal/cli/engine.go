// Package cli provides the engine integration for the xirs CLI.
// This file holds initialization and the station command implementations.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/xirs/xirs/internal/carrier"
	"github.com/xirs/xirs/internal/config"
	"github.com/xirs/xirs/internal/dispense"
	"github.com/xirs/xirs/internal/hub"
	"github.com/xirs/xirs/internal/model"
	"github.com/xirs/xirs/internal/observability"
	"github.com/xirs/xirs/internal/packet"
	"github.com/xirs/xirs/internal/pairing"
	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/station"
	"github.com/xirs/xirs/internal/store"
	"github.com/xirs/xirs/internal/trust"
)

// Engine holds the opened station.
type Engine struct {
	Config    *config.Config
	Station   *station.Handle
	ConfigDir string
	Logger    zerolog.Logger
}

// Global engine instances
var (
	engine    *Engine
	hubEngine *hub.Hub
)

// loadConfig reads the config of the selected directory and applies
// the logging flags.
func loadConfig() (*config.Config, string, zerolog.Logger, error) {
	dir := getConfigDir()
	cfg, err := config.Load(filepath.Join(dir, config.FileName))
	if err != nil {
		return nil, "", zerolog.Nop(), err
	}
	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	if quiet {
		level = "warn"
	}
	logger := observability.InitLogger("xirs", level, cfg.Log.JSON || logJSON)
	return cfg, dir, logger, nil
}

// InitEngine opens the station database and assembles the station.
func InitEngine() (*Engine, error) {
	cfg, dir, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(dir, config.FileName)); err != nil {
		return nil, fmt.Errorf("no station at %s", dir)
	}

	h, err := station.Open(context.Background(), cfg, dir, logger)
	if err != nil {
		return nil, err
	}
	return &Engine{Config: cfg, Station: h, ConfigDir: dir, Logger: logger}, nil
}

// GetEngine returns the engine, initializing if needed.
func GetEngine() (*Engine, error) {
	if engine != nil {
		return engine, nil
	}

	var err error
	engine, err = InitEngine()
	if err != nil {
		engine = nil
		return nil, fmt.Errorf("not a station (run 'xirs init <role>' first): %w", err)
	}
	return engine, nil
}

func closeEngine() {
	if engine != nil {
		engine.Station.Close()
		engine = nil
	}
	if hubEngine != nil {
		hubEngine.Close()
		hubEngine = nil
	}
}

// ConfirmAction prompts the user for confirmation.
func ConfirmAction(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	response, _ := reader.ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

// readChunks reads one chunk text per line from path, or stdin when path
// is empty or "-". Blank lines are skipped.
func readChunks(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("no chunk texts read")
	}
	return lines, nil
}

// printChunks writes chunk texts one per line on stdout.
func printChunks(chunks []string) {
	if !quiet {
		fmt.Fprintf(os.Stderr, "%d chunk(s), one QR code each:\n", len(chunks))
	}
	for _, c := range chunks {
		fmt.Println(c)
	}
}

// parseItems parses CODE:QTY:UNIT[:NAME] lines.
func parseItems(specs []string) ([]packet.LineItem, []string, error) {
	if len(specs) == 0 {
		return nil, nil, fmt.Errorf("at least one --item is required")
	}
	items := make([]packet.LineItem, 0, len(specs))
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		parts := strings.SplitN(s, ":", 4)
		if len(parts) < 3 {
			return nil, nil, fmt.Errorf("item %q: want CODE:QTY:UNIT", s)
		}
		qty, err := strconv.Atoi(parts[1])
		if err != nil || qty <= 0 {
			return nil, nil, fmt.Errorf("item %q: quantity must be a positive number", s)
		}
		items = append(items, packet.LineItem{Code: parts[0], Qty: qty, Unit: parts[2]})
		name := ""
		if len(parts) == 4 {
			name = parts[3]
		}
		names = append(names, name)
	}
	return items, names, nil
}

// --- Command Implementations ---

// RunInit creates the station directory, config and database.
func RunInit(role string) error {
	st := protocol.StationType(strings.ToUpper(role))
	if !st.Valid() {
		return fmt.Errorf("unknown role %q (PHARMACY, DOCTOR, SUPPLY, RUNNER, HUB)", role)
	}
	dir := getConfigDir()
	if dryRun {
		fmt.Printf("[DRY-RUN] Would initialize a %s station at: %s\n", st, dir)
		return nil
	}

	cfgPath := filepath.Join(dir, config.FileName)
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("already initialized: %s", cfgPath)
	}
	cfg := config.Default()
	cfg.Station.Role = st
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}

	cfg.Passphrase = os.Getenv(config.EnvPassphrase)
	dbPath := cfg.DatabasePath(dir)
	if st == protocol.StationHub {
		dbPath = filepath.Join(dir, hub.DatabaseName)
	}
	db, err := store.Open(dbPath, cfg.Passphrase)
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	defer db.Close()

	if !quiet {
		fmt.Printf("✓ Initialized %s station at: %s\n", st, dir)
		fmt.Printf("  Config:   %s\n", cfgPath)
		fmt.Printf("  Database: %s\n", dbPath)
		if cfg.Passphrase != "" {
			fmt.Println("  Encryption: enabled")
		} else {
			fmt.Printf("  Encryption: disabled (set %s to enable)\n", config.EnvPassphrase)
		}
		if st == protocol.StationHub {
			fmt.Println("  Next: xirs hub keygen")
		} else {
			fmt.Println("  Next: xirs pair online|code|offline")
		}
	}
	return nil
}

// RunStatus shows identity and pending work.
func RunStatus() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()
	st := e.Station

	fmt.Println("xIRS Station")
	fmt.Println("============")
	fmt.Printf("Config:     %s\n", e.ConfigDir)
	fmt.Printf("Role:       %s\n", e.Config.Station.Role)
	if st.Paired {
		fmt.Printf("Station:    %s (%s)\n", st.Identity.StationID, st.Identity.StationType)
		fmt.Printf("Paired:     %s via %s\n", st.Identity.PairedAt.Format(time.RFC3339), st.Identity.PairedVia)
	} else {
		fmt.Println("Station:    not paired")
	}
	fmt.Println()

	if pending, err := st.Queue.Pending(ctx); err == nil {
		fmt.Printf("Queue:      %d pending\n", len(pending))
	}
	if carried, err := st.Carrier.Pending(ctx); err == nil {
		fmt.Printf("Carrying:   %d packet(s)\n", len(carried))
	}
	if actions, err := st.Reports.Pending(ctx); err == nil {
		seq, _ := st.Reports.Seq(ctx)
		fmt.Printf("Reports:    %d unreported action(s), last seq %d\n", len(actions), seq)
	}
	if entries, err := st.Guard.Entries(ctx); err == nil {
		fmt.Printf("Ledger:     %d processed packet(s)\n", len(entries))
	}

	if verbose {
		if cs, err := st.Certs.List(ctx); err == nil && len(cs) > 0 {
			fmt.Println("\nPrescriber certificates:")
			for _, c := range cs {
				state := "active"
				if c.Revoked {
					state = "revoked"
				}
				fmt.Printf("  %-12s until %s  %s %v\n", c.SubjectID,
					time.Unix(c.ValidUntil, 0).UTC().Format("2006-01-02"), state, c.Permissions)
			}
		}
	}
	return nil
}

// RunEncode splits a packet file into chunk texts.
func RunEncode(path, urgency string) error {
	cfg, _, _, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	var pt protocol.PacketType
	if trust.IsSealedEnvelope(data) {
		pt = protocol.ReportPacket
	} else {
		fields, err := trust.DecodeObject(data)
		if err != nil {
			return protocol.FormatErr(protocol.CodeMalformedPayload, "", "packet file is not a JSON object")
		}
		typ, _ := fields["type"].(string)
		pt = protocol.PacketType(typ)
	}
	chunks, err := cfg.ChunkCodec().Encode(pt, data, protocol.Urgency(strings.ToUpper(urgency)))
	if err != nil {
		return err
	}
	printChunks(chunks)
	return nil
}

// RunScan feeds chunk texts to the station.
func RunScan(path string) error {
	lines, err := readChunks(path)
	if err != nil {
		return err
	}
	e, err := GetEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess := e.Station.NewSession()
	for _, line := range lines {
		s, err := sess.Feed(ctx, line)
		if err != nil {
			return err
		}
		if verbose {
			fmt.Printf("  %s %d/%d\n", s.Progress.Type, s.Progress.Received, s.Progress.Total)
		}
	}
	res, ok := sess.Result()
	if !ok {
		return protocol.FormatErr(protocol.CodeMalformedChunk, "chunks", "packet incomplete, scan the missing chunks")
	}
	return printResult(res)
}

func printResult(res station.Result) error {
	if res.Err != nil {
		return fmt.Errorf("%s rejected: %w", orUnknown(res.Envelope.PacketType), res.Err)
	}
	id := ""
	if res.Envelope.Data != nil {
		id = res.Envelope.Data.MessageID()
	}
	if res.Duplicate {
		fmt.Printf("✓ Already processed %s %s (%s)\n", res.Envelope.PacketType, id, res.Outcome)
		return nil
	}
	fmt.Printf("✓ Accepted %s %s: %s\n", res.Envelope.PacketType, id, res.Outcome)
	return nil
}

func orUnknown(pt protocol.PacketType) string {
	if pt == "" {
		return "packet"
	}
	return string(pt)
}

// --- Queue Commands ---

// RunQueueList lists queue entries.
func RunQueueList(state string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	entries, err := e.Station.Queue.List(context.Background(), dispense.State(strings.ToUpper(state)))
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("Queue is empty.")
		return nil
	}

	fmt.Printf("Queue (%d entries):\n", len(entries))
	fmt.Println("Message                     Priority  State        Patient     Items")
	fmt.Println("──────────────────────────────────────────────────────────────────────")
	for _, en := range entries {
		fmt.Printf("%-27s %-9s %-12s %-11s %d\n",
			en.MessageID, en.Priority, en.State, en.Order.PatientRef, len(en.Order.Items))
		if verbose && en.ClaimedBy != "" {
			fmt.Printf("  claimed by %s\n", en.ClaimedBy)
		}
	}
	return nil
}

// RunQueueClaim claims an order.
func RunQueueClaim(messageID, operator string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	en, err := e.Station.Claim(context.Background(), messageID, operator)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Claimed %s for %s\n", en.MessageID, en.ClaimedBy)
	for _, it := range en.Order.Items {
		fmt.Printf("  %s %s %d %s %s\n", it.Code, it.Name, it.Qty, it.Unit, it.Dose)
	}
	return nil
}

// RunQueueRelease returns an order to the queue.
func RunQueueRelease(messageID string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	if _, err := e.Station.Release(context.Background(), messageID); err != nil {
		return err
	}
	fmt.Printf("✓ Released %s\n", messageID)
	return nil
}

// RunQueueComplete dispenses an order and prints the record chunks.
func RunQueueComplete(messageID, by, witness string) error {
	if dryRun {
		fmt.Printf("[DRY-RUN] Would dispense %s\n", messageID)
		return nil
	}
	e, err := GetEngine()
	if err != nil {
		return err
	}
	en, err := e.Station.Complete(context.Background(), messageID, dispense.CompleteInput{DispensedBy: by, WitnessID: witness})
	if err != nil {
		return err
	}
	chunks, err := e.Station.DispenseChunks(en)
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintf(os.Stderr, "✓ Dispensed %s, record %s\n", en.MessageID, en.DispenseRecord.DispenseID)
	}
	printChunks(chunks)
	return nil
}

// RunQueueReject refuses an order.
func RunQueueReject(messageID, reason, note, by string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	if _, err := e.Station.Reject(context.Background(), messageID, dispense.Reason(strings.ToUpper(reason)), note, by); err != nil {
		return err
	}
	fmt.Printf("✓ Rejected %s (%s)\n", messageID, strings.ToUpper(reason))
	return nil
}

// --- Carrier Commands ---

// RunCarrierStore takes custody of a chunk set.
func RunCarrierStore(path, source string) error {
	lines, err := readChunks(path)
	if err != nil {
		return err
	}
	e, err := GetEngine()
	if err != nil {
		return err
	}
	rec, err := e.Station.Carrier.StorePacket(context.Background(), lines, source)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Carrying %s (%s, %s, %d chunks)\n", rec.PacketID, rec.PacketType, rec.DetectedPriority, len(rec.RawChunks))
	return nil
}

// RunCarrierPending lists undelivered packets.
func RunCarrierPending() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	recs, err := e.Station.Carrier.Pending(context.Background())
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("Nothing to deliver.")
		return nil
	}

	fmt.Printf("Carrying (%d packets):\n", len(recs))
	fmt.Println("Packet                                Priority  Type                 Picked up  Ack")
	fmt.Println("──────────────────────────────────────────────────────────────────────────────────")
	for _, r := range recs {
		ack := ""
		if r.Acknowledged {
			ack = "✓"
		}
		fmt.Printf("%-37s %-9s %-20s %-10s %s\n",
			r.PacketID, r.DetectedPriority, r.PacketType, r.PickedUpAt.Local().Format("15:04"), ack)
	}
	return nil
}

// RunCarrierAck acknowledges a packet.
func RunCarrierAck(packetID string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	if _, err := e.Station.Carrier.Acknowledge(context.Background(), packetID); err != nil {
		return err
	}
	fmt.Printf("✓ Acknowledged %s\n", packetID)
	return nil
}

// RunCarrierDeliver prints a packet's chunks and marks it delivered.
func RunCarrierDeliver(packetID string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()
	rec, err := e.Station.Carrier.Get(ctx, packetID)
	if err != nil {
		return err
	}
	if dryRun {
		fmt.Printf("[DRY-RUN] Would deliver %s (%d chunks)\n", packetID, len(rec.RawChunks))
		return nil
	}
	if _, err := e.Station.Carrier.MarkDelivered(ctx, packetID); err != nil {
		return err
	}
	e.audit(model.AuditEvent{EventType: model.EventCarrierDelivery, PacketType: rec.PacketType, Detail: packetID})
	printChunks(rec.RawChunks)
	return nil
}

// RunCarrierHistory shows completed deliveries.
func RunCarrierHistory() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	hist, err := e.Station.Carrier.History(context.Background())
	if err != nil {
		return err
	}
	if len(hist) == 0 {
		fmt.Println("No deliveries yet.")
		return nil
	}
	for _, h := range hist {
		fmt.Printf("%s  %-9s %-12s %6d chars  %s\n",
			h.DeliveredAt.Local().Format("2006-01-02 15:04"), h.Priority, h.Source, h.Size, h.PacketID)
	}
	return nil
}

// RunCarrierPurge drops delivered chunk sets.
func RunCarrierPurge(force bool) error {
	if dryRun {
		fmt.Println("[DRY-RUN] Would purge delivered packets")
		return nil
	}
	if !force && !ConfirmAction("Drop the chunks of every delivered packet?") {
		fmt.Println("Cancelled.")
		return nil
	}
	e, err := GetEngine()
	if err != nil {
		return err
	}
	n, err := e.Station.Carrier.PurgeDelivered(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("✓ Purged %d delivered packet(s)\n", n)
	return nil
}

// RunCarrierWatch rings until interrupted while CRITICAL packets wait.
func RunCarrierWatch() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a := carrier.NewAlerter(e.Station.Carrier, e.Config.Carrier.AlertInterval.Duration, func(pending []carrier.Record) {
		fmt.Printf("\a!! %d CRITICAL packet(s) waiting, run 'xirs carrier ack <id>'\n", len(pending))
		for _, r := range pending {
			fmt.Printf("   %s %s\n", r.PacketID, r.PacketType)
		}
	}, e.Logger)
	a.Run(ctx)
	return nil
}

// --- Pairing Commands ---

func (e *Engine) controller() *pairing.Controller {
	x := pairing.NewHTTPExchanger(nil, e.Config.Pairing.Timeout.Duration)
	return pairing.NewController(e.Station.Identities, e.Station.Certs, x, e.Logger)
}

// audit appends ev; a failed append is logged, not fatal.
func (e *Engine) audit(ev model.AuditEvent) {
	if err := e.Station.Audit.Append(context.Background(), ev); err != nil {
		e.Logger.Warn().Err(err).Str("event", ev.EventType).Msg("failed to append audit event")
	}
}

// adoptRole records the paired role in the config.
func (e *Engine) adoptRole(id model.StationIdentity) error {
	if e.Config.Station.Role == id.StationType {
		return nil
	}
	e.Config.Station.Role = id.StationType
	return config.Save(filepath.Join(e.ConfigDir, config.FileName), e.Config)
}

func (e *Engine) paired(id model.StationIdentity, err error) error {
	if err != nil {
		return err
	}
	if err := e.adoptRole(id); err != nil {
		return err
	}
	e.audit(model.AuditEvent{EventType: model.EventStationPaired, Detail: fmt.Sprintf("%s %s via %s", id.StationID, id.StationType, id.PairedVia)})
	fmt.Printf("✓ Paired as %s (%s)\n", id.StationID, id.StationType)
	return nil
}

// RunPairOnline pairs from an invite.
func RunPairOnline(path, device string) error {
	lines, err := readChunks(path)
	if err != nil {
		return err
	}
	e, err := GetEngine()
	if err != nil {
		return err
	}
	return e.paired(e.controller().PairOnline(context.Background(), strings.Join(lines, "\n"), device))
}

// RunPairCode pairs with a typed code.
func RunPairCode(hubURL, code, device string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	return e.paired(e.controller().PairWithCode(context.Background(), hubURL, code, device))
}

// RunPairOffline pairs from an offline bundle.
func RunPairOffline(path string) error {
	lines, err := readChunks(path)
	if err != nil {
		return err
	}
	e, err := GetEngine()
	if err != nil {
		return err
	}
	return e.paired(e.controller().PairOffline(context.Background(), lines))
}

// RunPairStatus shows the identity.
func RunPairStatus() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	st := e.Station
	if !st.Paired {
		fmt.Println("Not paired.")
		return nil
	}
	id := st.Identity
	fmt.Printf("Station:   %s\n", id.StationID)
	fmt.Printf("Type:      %s\n", id.StationType)
	if id.DisplayName != "" {
		fmt.Printf("Name:      %s\n", id.DisplayName)
	}
	fmt.Printf("Paired:    %s via %s\n", id.PairedAt.Format(time.RFC3339), id.PairedVia)
	fmt.Printf("Hub key:   %s\n", id.HubSigningKey)
	return nil
}

// RunPairClear forgets the identity.
func RunPairClear(force bool) error {
	if dryRun {
		fmt.Println("[DRY-RUN] Would clear the station identity")
		return nil
	}
	if !force && !ConfirmAction("Forget this station's Hub and identity?") {
		fmt.Println("Cancelled.")
		return nil
	}
	e, err := GetEngine()
	if err != nil {
		return err
	}
	if err := e.controller().Unpair(context.Background()); err != nil {
		return err
	}
	e.audit(model.AuditEvent{EventType: model.EventStationUnpaired, Detail: e.Station.Identity.StationID})
	fmt.Println("✓ Identity cleared")
	return nil
}

// --- Report Commands ---

// RunReportPending lists unreported actions.
func RunReportPending() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	actions, err := e.Station.Reports.Pending(context.Background())
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		fmt.Println("Nothing to report.")
		return nil
	}
	for _, a := range actions {
		fmt.Printf("%s  %-9s %-10s %4d %-8s %s\n",
			time.Unix(a.TS, 0).Local().Format("2006-01-02 15:04"), a.Type, a.ItemCode, a.Qty, a.Unit, a.PersonID)
	}
	return nil
}

// RunReportFlush seals pending actions into a report.
func RunReportFlush() error {
	if dryRun {
		fmt.Println("[DRY-RUN] Would seal pending actions into a report")
		return nil
	}
	e, err := GetEngine()
	if err != nil {
		return err
	}
	chunks, err := e.Station.FlushReport(context.Background())
	if err != nil {
		return err
	}
	printChunks(chunks)
	return nil
}

// RunReportManifests lists received manifests.
func RunReportManifests() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	ms, err := e.Station.Manifests(context.Background())
	if err != nil {
		return err
	}
	if len(ms) == 0 {
		fmt.Println("No manifests received.")
		return nil
	}
	for _, m := range ms {
		fmt.Printf("%s  code %s  %d item(s)\n", m.ManifestID, m.ShortCode, len(m.Items))
		if verbose {
			for _, it := range m.Items {
				fmt.Printf("  %-10s %4d %s\n", it.Code, it.Qty, it.Unit)
			}
		}
	}
	return nil
}

// RunReportAckManifest confirms a manifest.
func RunReportAckManifest(manifestID string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	chunks, err := e.Station.AckManifest(context.Background(), manifestID)
	if err != nil {
		return err
	}
	printChunks(chunks)
	return nil
}

// --- Authoring Commands ---

// RunRxKeygen creates the prescriber key.
func RunRxKeygen(subjectID string, force bool) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	pub, err := e.Station.PrescriberKeygen(context.Background(), subjectID, force)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Prescriber key for %s\n", subjectID)
	fmt.Printf("  Public key: %s\n", trust.EncodeKey(pub))
	fmt.Printf("  Certify it at the Hub: xirs hub cert %s %s\n", subjectID, trust.EncodeKey(pub))
	return nil
}

// RunRxWrite signs an order.
func RunRxWrite(patientRef, priority string, specs []string, schedule string) error {
	lines, names, err := parseItems(specs)
	if err != nil {
		return err
	}
	items := make([]packet.RxItem, len(lines))
	for i, l := range lines {
		items[i] = packet.RxItem{Code: l.Code, Name: names[i], Qty: l.Qty, Unit: l.Unit}
		if schedule != "" {
			items[i].Controlled = true
			items[i].Schedule = schedule
		}
	}
	e, err := GetEngine()
	if err != nil {
		return err
	}
	o, chunks, err := e.Station.WriteOrder(context.Background(), patientRef,
		protocol.Priority(strings.ToUpper(priority)), items)
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintf(os.Stderr, "✓ Order %s (%s)\n", o.RxID, o.Priority)
	}
	printChunks(chunks)
	return nil
}

// RunTicket issues a consumption ticket.
func RunTicket(personRef string, specs []string) error {
	items, _, err := parseItems(specs)
	if err != nil {
		return err
	}
	e, err := GetEngine()
	if err != nil {
		return err
	}
	tk, chunks, err := e.Station.IssueTicket(context.Background(), personRef, items)
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintf(os.Stderr, "✓ Ticket %s\n", tk.TicketID)
	}
	printChunks(chunks)
	return nil
}

// --- Ledger and Audit ---

// RunLedgerList lists processed packets.
func RunLedgerList() error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	entries, err := e.Station.Guard.Entries(context.Background())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("Ledger is empty.")
		return nil
	}
	for _, en := range entries {
		fmt.Printf("%s  %-16s %s\n", en.ProcessedAt.Local().Format("2006-01-02 15:04"), en.Outcome, en.MessageID)
	}
	return nil
}

// RunLedgerPrune drops old ledger entries.
func RunLedgerPrune() error {
	if dryRun {
		fmt.Println("[DRY-RUN] Would prune the replay ledger")
		return nil
	}
	e, err := GetEngine()
	if err != nil {
		return err
	}
	n, err := e.Station.Guard.Prune(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("✓ Pruned %d ledger entr(ies) older than %s\n", n, e.Config.Replay.Retention.Duration)
	return nil
}

// RunAuditList shows recent audit events.
func RunAuditList(limit int) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	return printAudit(e.Station.Audit, limit)
}

func printAudit(audit store.AuditLog, limit int) error {
	events, err := audit.Recent(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No audit events.")
		return nil
	}
	for _, ev := range events {
		fmt.Printf("%s  %-20s %-18s %-20s %s %s\n",
			ev.CreatedAt.Local().Format("2006-01-02 15:04:05"), ev.EventType, ev.PacketType, ev.Code, ev.MessageID, ev.Detail)
	}
	return nil
}
