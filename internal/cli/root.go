// Package cli implements the xIRS station and Hub command-line interface.
// Operational rules:
// - One command, one explicit action; nothing runs in the background
//   except 'hub serve' and 'carrier watch'
// - Destructive actions require confirmation
// - Chunk texts travel as one chunk per line on stdin/stdout
package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose   bool
	quiet     bool
	configDir string
	dryRun    bool
	logJSON   bool
)

// rootCmd is the base command for xirs.
var rootCmd = &cobra.Command{
	Use:   "xirs",
	Short: "Secure offline QR exchange between clinic stations",
	Long: `xirs moves signed prescriptions, restock manifests and sealed reports
between disconnected stations as chunked QR texts.

Stations:
  • PHARMACY verifies orders and fills them through the dispense queue
  • DOCTOR writes signed orders
  • SUPPLY receives manifests and consumption tickets
  • RUNNER carries chunk sets it cannot read
  • HUB issues trust material and collects reports

State lives in an encrypted local database (SQLCipher).
Set XIRS_PASSPHRASE to unlock it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	defer closeEngine()
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "Use alternate config directory")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without doing it")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(encodeCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(carrierCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(rxCmd)
	rootCmd.AddCommand(ticketCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(hubCmd)
}

// getConfigDir returns the configuration directory path.
// A .xirs directory in the working directory wins over the one in home.
func getConfigDir() string {
	if configDir != "" {
		return configDir
	}

	cwd, err := os.Getwd()
	if err == nil {
		local := filepath.Join(cwd, ".xirs")
		if _, err := os.Stat(local); err == nil {
			return local
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".xirs"
	}
	return filepath.Join(home, ".xirs")
}

var initCmd = &cobra.Command{
	Use:   "init <role>",
	Short: "Initialize a station of the given role",
	Long: `Initialize the station directory, config and encrypted database.

Roles: PHARMACY, DOCTOR, SUPPLY, RUNNER, HUB.
The station still has to be paired before it accepts packets.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunInit(args[0])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show station identity and pending work",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunStatus()
	},
}

var encodeCmd = &cobra.Command{
	Use:   "encode <packet.json>",
	Short: "Split a packet into QR chunk texts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		urgency, _ := cmd.Flags().GetString("urgency")
		return RunEncode(args[0], urgency)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan [file]",
	Short: "Feed scanned chunk texts into the station",
	Long: `Read chunk texts, one per line, from file or stdin, reassemble them
and run the packet through verification, the replay ledger and the
station's handler for it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunScan(optionalArg(args))
	},
}

// Queue subcommands
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Pharmacy dispense queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List orders by priority",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		return RunQueueList(state)
	},
}

var queueClaimCmd = &cobra.Command{
	Use:   "claim <message-id>",
	Short: "Take a pending order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		operator, _ := cmd.Flags().GetString("operator")
		return RunQueueClaim(args[0], operator)
	},
}

var queueReleaseCmd = &cobra.Command{
	Use:   "release <message-id>",
	Short: "Return a claimed order to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunQueueRelease(args[0])
	},
}

var queueCompleteCmd = &cobra.Command{
	Use:   "complete <message-id>",
	Short: "Dispense a claimed order and print its record chunks",
	Long: `Dispense a claimed order.

Controlled items need --witness. The DISPENSE_RECORD chunks are printed
for the runner to carry to the Hub.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		by, _ := cmd.Flags().GetString("by")
		witness, _ := cmd.Flags().GetString("witness")
		return RunQueueComplete(args[0], by, witness)
	},
}

var queueRejectCmd = &cobra.Command{
	Use:   "reject <message-id> <reason>",
	Short: "Refuse an order",
	Long: `Refuse an order with one of:
  OUT_OF_STOCK, ALLERGY, INTERACTION, DUPLICATE_ORDER,
  DOSE_OUT_OF_RANGE, PATIENT_DECLINED, EXPIRED_ORDER, OTHER

OTHER requires --note.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		note, _ := cmd.Flags().GetString("note")
		by, _ := cmd.Flags().GetString("by")
		return RunQueueReject(args[0], args[1], note, by)
	},
}

func init() {
	encodeCmd.Flags().String("urgency", "", "Urgency marker (CRITICAL, HIGH, NORMAL)")

	queueListCmd.Flags().String("state", "", "Only show entries in this state")
	queueClaimCmd.Flags().String("operator", "", "Operator taking the order")
	queueCompleteCmd.Flags().String("by", "", "Operator handing out the order")
	queueCompleteCmd.Flags().String("witness", "", "Witness for controlled items")
	queueRejectCmd.Flags().String("note", "", "Free-text note")
	queueRejectCmd.Flags().String("by", "", "Operator refusing the order")
	_ = queueClaimCmd.MarkFlagRequired("operator")
	_ = queueCompleteCmd.MarkFlagRequired("by")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueClaimCmd)
	queueCmd.AddCommand(queueReleaseCmd)
	queueCmd.AddCommand(queueCompleteCmd)
	queueCmd.AddCommand(queueRejectCmd)
}

// Carrier subcommands
var carrierCmd = &cobra.Command{
	Use:   "carrier",
	Short: "Runner's blind carrier store",
	Long: `The carrier holds chunk sets for delivery. It checks framing and
checksums but never opens, verifies or decrypts a packet.`,
}

var carrierStoreCmd = &cobra.Command{
	Use:   "store [file]",
	Short: "Take custody of one complete chunk set",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		return RunCarrierStore(optionalArg(args), source)
	},
}

var carrierPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List undelivered packets, most urgent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunCarrierPending()
	},
}

var carrierAckCmd = &cobra.Command{
	Use:   "ack <packet-id>",
	Short: "Silence the attention signal for a packet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunCarrierAck(args[0])
	},
}

var carrierDeliverCmd = &cobra.Command{
	Use:   "deliver <packet-id>",
	Short: "Print a packet's chunks and mark it delivered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunCarrierDeliver(args[0])
	},
}

var carrierHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show completed deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunCarrierHistory()
	},
}

var carrierPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop the chunks of delivered packets (with confirmation)",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return RunCarrierPurge(force)
	},
}

var carrierWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Repeat an alert while CRITICAL packets are unacknowledged",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunCarrierWatch()
	},
}

func init() {
	carrierStoreCmd.Flags().String("source", "", "Where the packet was picked up")
	carrierPurgeCmd.Flags().BoolP("force", "f", false, "Skip confirmation")

	carrierCmd.AddCommand(carrierStoreCmd)
	carrierCmd.AddCommand(carrierPendingCmd)
	carrierCmd.AddCommand(carrierAckCmd)
	carrierCmd.AddCommand(carrierDeliverCmd)
	carrierCmd.AddCommand(carrierHistoryCmd)
	carrierCmd.AddCommand(carrierPurgeCmd)
	carrierCmd.AddCommand(carrierWatchCmd)
}

// Pair subcommands
var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Pair this station with a Hub",
}

var pairOnlineCmd = &cobra.Command{
	Use:   "online [invite-file]",
	Short: "Pair from a scanned invite",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		device, _ := cmd.Flags().GetString("device")
		return RunPairOnline(optionalArg(args), device)
	},
}

var pairCodeCmd = &cobra.Command{
	Use:   "code <hub-url> <code>",
	Short: "Pair with a typed pairing code",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		device, _ := cmd.Flags().GetString("device")
		return RunPairCode(args[0], args[1], device)
	},
}

var pairOfflineCmd = &cobra.Command{
	Use:   "offline [file]",
	Short: "Pair from a scanned offline configuration bundle",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunPairOffline(optionalArg(args))
	},
}

var pairStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the paired identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunPairStatus()
	},
}

var pairClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the Hub and this station's identity (with confirmation)",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return RunPairClear(force)
	},
}

func init() {
	pairOnlineCmd.Flags().String("device", "", "Device name sent to the Hub")
	pairCodeCmd.Flags().String("device", "", "Device name sent to the Hub")
	pairClearCmd.Flags().BoolP("force", "f", false, "Skip confirmation")

	pairCmd.AddCommand(pairOnlineCmd)
	pairCmd.AddCommand(pairCodeCmd)
	pairCmd.AddCommand(pairOfflineCmd)
	pairCmd.AddCommand(pairStatusCmd)
	pairCmd.AddCommand(pairClearCmd)
}

// Report subcommands
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Sealed activity reports for the Hub",
}

var reportPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List actions not yet reported",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunReportPending()
	},
}

var reportFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Seal pending actions into a report and print its chunks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunReportFlush()
	},
}

var reportManifestsCmd = &cobra.Command{
	Use:   "manifests",
	Short: "List received restock manifests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunReportManifests()
	},
}

var reportAckCmd = &cobra.Command{
	Use:   "ack-manifest <manifest-id>",
	Short: "Confirm receipt of a manifest and print the report chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunReportAckManifest(args[0])
	},
}

func init() {
	reportCmd.AddCommand(reportPendingCmd)
	reportCmd.AddCommand(reportFlushCmd)
	reportCmd.AddCommand(reportManifestsCmd)
	reportCmd.AddCommand(reportAckCmd)
}

// Prescription subcommands
var rxCmd = &cobra.Command{
	Use:   "rx",
	Short: "Write signed orders (DOCTOR)",
}

var rxKeygenCmd = &cobra.Command{
	Use:   "keygen <prescriber-id>",
	Short: "Create the prescriber signing key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return RunRxKeygen(args[0], force)
	},
}

var rxWriteCmd = &cobra.Command{
	Use:   "write <patient-ref>",
	Short: "Sign an order and print its chunks",
	Long: `Sign an order and print its chunks.

Items are CODE:QTY:UNIT[:NAME], repeat --item for each line.

Example:
  xirs rx write P-1001 --priority STAT --item AMOX500:21:cap:Amoxicillin`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetString("priority")
		items, _ := cmd.Flags().GetStringArray("item")
		controlled, _ := cmd.Flags().GetString("schedule")
		return RunRxWrite(args[0], priority, items, controlled)
	},
}

var ticketCmd = &cobra.Command{
	Use:   "ticket <person-ref>",
	Short: "Issue a consumption ticket and print its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		items, _ := cmd.Flags().GetStringArray("item")
		return RunTicket(args[0], items)
	},
}

func init() {
	rxKeygenCmd.Flags().BoolP("force", "f", false, "Replace an existing key")
	rxWriteCmd.Flags().String("priority", "ROUTINE", "STAT, URGENT or ROUTINE")
	rxWriteCmd.Flags().StringArray("item", nil, "Order line CODE:QTY:UNIT[:NAME]")
	rxWriteCmd.Flags().String("schedule", "", "Mark every line controlled under this schedule")
	ticketCmd.Flags().StringArray("item", nil, "Consumed line CODE:QTY:UNIT")

	rxCmd.AddCommand(rxKeygenCmd)
	rxCmd.AddCommand(rxWriteCmd)
}

// Ledger and audit
var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Replay ledger of processed packets",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List processed packets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunLedgerList()
	},
}

var ledgerPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop ledger entries past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunLedgerPrune()
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Security audit trail",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show recent audit events, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return RunAuditList(limit)
	},
}

func init() {
	auditListCmd.Flags().IntP("limit", "n", 50, "Number of events")

	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerPruneCmd)
	auditCmd.AddCommand(auditListCmd)
}

// Hub subcommands
var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Hub trust root, pairing service and report intake",
}

var hubKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the Hub signing and encryption keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return RunHubKeygen(force)
	},
}

var hubInviteCmd = &cobra.Command{
	Use:   "invite <station-type>",
	Short: "Issue a pairing code and print the signed invite",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("station")
		name, _ := cmd.Flags().GetString("name")
		return RunHubInvite(args[0], id, name)
	},
}

var hubServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the pairing and ingest API",
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		return RunHubServe(listen)
	},
}

var hubOfflineCmd = &cobra.Command{
	Use:   "offline-config <station-type>",
	Short: "Register a station and print its offline bundle chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("station")
		name, _ := cmd.Flags().GetString("name")
		return RunHubOfflineConfig(args[0], id, name)
	},
}

var hubManifestCmd = &cobra.Command{
	Use:   "manifest <station-id>",
	Short: "Sign a restock manifest and print its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		items, _ := cmd.Flags().GetStringArray("item")
		return RunHubManifest(args[0], items)
	},
}

var hubCertCmd = &cobra.Command{
	Use:   "cert <prescriber-id> <public-key>",
	Short: "Certify a prescriber and print the CERT_UPDATE chunks",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		controlled, _ := cmd.Flags().GetBool("controlled")
		return RunHubCert(args[0], args[1], days, controlled)
	},
}

var hubRevokeCmd = &cobra.Command{
	Use:   "revoke <prescriber-id>",
	Short: "Revoke a prescriber and print the CERT_UPDATE chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunHubRevoke(args[0])
	},
}

var hubStationsCmd = &cobra.Command{
	Use:   "stations",
	Short: "List registered stations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunHubStations()
	},
}

var hubScanCmd = &cobra.Command{
	Use:   "scan [file]",
	Short: "Ingest scanned report or dispense record chunks",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunHubScan(optionalArg(args))
	},
}

var hubReportsCmd = &cobra.Command{
	Use:   "reports [station-id]",
	Short: "List received reports",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunHubReports(optionalArg(args))
	},
}

var hubAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the Hub's recent audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return RunHubAudit(limit)
	},
}

func init() {
	hubAuditCmd.Flags().IntP("limit", "n", 50, "Number of events")
	hubKeygenCmd.Flags().BoolP("force", "f", false, "Replace existing keys (invalidates every pairing)")
	hubInviteCmd.Flags().String("station", "", "Station id (generated when empty)")
	hubInviteCmd.Flags().String("name", "", "Display name")
	hubServeCmd.Flags().String("listen", "", "Listen address (default from config)")
	hubOfflineCmd.Flags().String("station", "", "Station id (generated when empty)")
	hubOfflineCmd.Flags().String("name", "", "Display name")
	hubManifestCmd.Flags().StringArray("item", nil, "Manifest line CODE:QTY:UNIT")
	hubCertCmd.Flags().Int("days", 365, "Validity in days")
	hubCertCmd.Flags().Bool("controlled", false, "Allow controlled substances")

	hubCmd.AddCommand(hubKeygenCmd)
	hubCmd.AddCommand(hubInviteCmd)
	hubCmd.AddCommand(hubServeCmd)
	hubCmd.AddCommand(hubOfflineCmd)
	hubCmd.AddCommand(hubManifestCmd)
	hubCmd.AddCommand(hubCertCmd)
	hubCmd.AddCommand(hubRevokeCmd)
	hubCmd.AddCommand(hubStationsCmd)
	hubCmd.AddCommand(hubScanCmd)
	hubCmd.AddCommand(hubReportsCmd)
	hubCmd.AddCommand(hubAuditCmd)
}

func optionalArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
