package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/nickyhof/EntityDB"
	"github.com/nickyhof/EntityDB/blob"
	"github.com/nickyhof/EntityDB/config"
	"github.com/nickyhof/EntityDB/core"
	"github.com/nickyhof/EntityDB/db"
	"github.com/nickyhof/EntityDB/history"
)

var (
	promptColor  = color.New(color.FgCyan)
	errorColor   = color.New(color.FgRed)
	successColor = color.New(color.FgGreen)
	headingColor = color.New(color.FgCyan, color.Bold)
)

// Version is set at build time via -ldflags
var Version = "dev"

// CLI holds the CLI state
type CLI struct {
	instance    *EntityDB.Instance
	engine      *db.Engine
	out         io.Writer
	history     []string
	historyFile string
}

func main() {
	configPath := flag.String("config", "entitydb.yaml", "Config file")
	baseDir := flag.String("baseDir", "", "Base directory for the store")
	blobLocation := flag.String("blob", "", "Store blob to import (path, file://, http(s):// or s3:// URL)")
	sqlFile := flag.String("sqlFile", "", "SQL file to execute (non-interactive)")
	userName := flag.String("name", "", "User name for commits")
	userEmail := flag.String("email", "", "User email for commits")
	logLevel := flag.String("logLevel", "", "Log level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		errorColor.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "baseDir":
			cfg.BaseDir = *baseDir
		case "name":
			cfg.Identity.Name = *userName
		case "email":
			cfg.Identity.Email = *userEmail
		case "logLevel":
			cfg.LogLevel = *logLevel
		}
	})
	if err := cfg.Validate(); err != nil {
		errorColor.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	printBanner()

	instance, err := openInstance(cfg, *blobLocation)
	if err != nil {
		errorColor.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if cfg.BaseDir == "" {
		successColor.Println("Using memory persistence")
	} else {
		successColor.Printf("Using file persistence: %s\n", cfg.BaseDir)
	}

	cli := newCLI(instance, os.Stdout)
	cli.historyFile = getHistoryPath()
	cli.loadHistory()

	// Execute SQL file if provided
	if *sqlFile != "" {
		if err := cli.importFile(*sqlFile); err != nil {
			errorColor.Printf("Error importing file: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cli.run(os.Stdin)
}

func openInstance(cfg config.Config, location string) (*EntityDB.Instance, error) {
	if location == "" {
		return EntityDB.Open(cfg)
	}
	ctx := context.Background()
	data, err := blob.Load(ctx, location, &cfg.S3)
	if err != nil {
		return nil, err
	}
	return EntityDB.OpenBlob(ctx, data, cfg)
}

func newCLI(instance *EntityDB.Instance, out io.Writer) *CLI {
	return &CLI{
		instance: instance,
		engine:   instance.Engine(),
		out:      out,
		history:  make([]string, 0),
	}
}

func printBanner() {
	fmt.Println()
	bannerWidth := 39 // inner width of the banner box
	versionLine := fmt.Sprintf("EntityDB v%s", Version)
	padding := max(bannerWidth-len(versionLine)-2, 0)
	leftPad := padding / 2
	rightPad := padding - leftPad

	banner := color.New(color.FgCyan, color.Bold)
	banner.Println("╔═══════════════════════════════════════╗")
	banner.Printf("║ %*s%s%*s ║\n", leftPad, "", versionLine, rightPad, "")
	banner.Println("║    Versioned Entity Store over SQL    ║")
	banner.Println("╚═══════════════════════════════════════╝")
	fmt.Println()
	fmt.Println("Type .help for commands, .quit to exit")
	fmt.Println()
}

func (cli *CLI) run(in io.Reader) {
	reader := bufio.NewReader(in)
	var multiLineBuffer strings.Builder

	for {
		fmt.Fprint(cli.out, cli.getPrompt(multiLineBuffer.Len() > 0))

		input, err := reader.ReadString('\n')
		if err != nil {
			successColor.Fprintln(cli.out, "\nGoodbye!")
			cli.saveHistory()
			return
		}

		input = strings.TrimSuffix(input, "\n")
		input = strings.TrimSuffix(input, "\r")

		if strings.TrimSpace(input) == "" {
			continue
		}

		// Special commands only outside multi-line mode
		if multiLineBuffer.Len() == 0 && strings.HasPrefix(input, ".") {
			if !cli.handleCommand(input) {
				cli.saveHistory()
				return
			}
			continue
		}

		// Multi-line support: accumulate until we see a semicolon
		multiLineBuffer.WriteString(input)
		trimmed := strings.TrimSpace(multiLineBuffer.String())
		if !strings.HasSuffix(trimmed, ";") {
			multiLineBuffer.WriteString(" ")
			continue
		}

		statement := strings.TrimSuffix(trimmed, ";")
		multiLineBuffer.Reset()
		if strings.TrimSpace(statement) == "" {
			continue
		}

		cli.addToHistory(statement + ";")
		cli.execute(statement)
	}
}

func (cli *CLI) execute(statement string) {
	result, err := cli.engine.Execute(statement)
	if err != nil {
		cli.fail(err)
		return
	}
	switch r := result.(type) {
	case db.QueryResult:
		r.Write(cli.out)
	case db.CommitResult:
		r.Write(cli.out)
	}
}

func (cli *CLI) fail(err error) {
	errorColor.Fprintf(cli.out, "✗ Error: %v\n", err)
}

func (cli *CLI) usage(text string) {
	errorColor.Fprintf(cli.out, "✗ Usage: %s\n", text)
}

func (cli *CLI) getPrompt(multiLine bool) string {
	if multiLine {
		return promptColor.Sprint("   ...>") + " "
	}
	active := cli.engine.ActiveVersion()
	if version, ok := cli.engine.Version(active); ok && version.Name != "" {
		active = version.Name
	}
	return promptColor.Sprintf("entitydb (%s)>", active) + " "
}

// handleCommand runs a dot command. It returns false when the CLI should exit.
func (cli *CLI) handleCommand(input string) bool {
	parts := strings.Fields(strings.TrimSpace(input))
	if len(parts) == 0 {
		return true
	}

	switch strings.ToLower(parts[0]) {
	case ".quit", ".exit", ".q":
		successColor.Fprintln(cli.out, "Goodbye!")
		return false

	case ".help", ".h", ".?":
		cli.printHelp()

	case ".versions":
		cli.showVersions()

	case ".switch", ".use":
		if len(parts) < 2 {
			cli.usage(".switch <version>")
			break
		}
		version, err := cli.engine.SwitchVersion(parts[1])
		if err != nil {
			cli.fail(err)
			break
		}
		successColor.Fprintf(cli.out, "✓ Using version: %s\n", version.Name)

	case ".branch":
		if len(parts) < 2 {
			cli.usage(".branch <name> [from]")
			break
		}
		from := cli.engine.ActiveVersion()
		if len(parts) > 2 {
			from = parts[2]
		}
		version, err := cli.engine.CreateVersion(history.VersionOptions{Name: parts[1], From: from})
		if err != nil {
			cli.fail(err)
			break
		}
		successColor.Fprintf(cli.out, "✓ Created version %s (%s)\n", version.Name, version.ID)

	case ".checkpoint":
		target := cli.engine.ActiveVersion()
		if len(parts) > 1 {
			target = parts[1]
		}
		cli.checkpoint(target)

	case ".log":
		limit := 20
		if len(parts) > 1 {
			n, err := strconv.Atoi(parts[1])
			if err != nil || n <= 0 {
				cli.usage(".log [count]")
				break
			}
			limit = n
		}
		cli.showLog(limit)

	case ".schemas":
		cli.showSchemas()

	case ".register":
		if len(parts) < 2 {
			cli.usage(".register <schema.json>")
			break
		}
		if err := cli.registerSchema(parts[1]); err != nil {
			cli.fail(err)
		}

	case ".info":
		info := cli.instance.Info()
		fmt.Fprintf(cli.out, "Store %s (%s)\n", info.Name, info.ID)

	case ".export":
		if len(parts) < 2 {
			cli.usage(".export <location>")
			break
		}
		if err := cli.instance.Save(context.Background(), parts[1]); err != nil {
			cli.fail(err)
			break
		}
		successColor.Fprintf(cli.out, "✓ Exported store to %s\n", parts[1])

	case ".clear", ".cls":
		fmt.Fprint(cli.out, "\033[H\033[2J")

	case ".history":
		cli.printHistory()

	case ".version":
		fmt.Fprintf(cli.out, "EntityDB version %s\n", Version)

	case ".import":
		if len(parts) < 2 {
			cli.usage(".import <file.sql>")
			break
		}
		if err := cli.importFile(parts[1]); err != nil {
			cli.fail(err)
		}

	default:
		errorColor.Fprintf(cli.out, "✗ Unknown command: %s (type .help for commands)\n", parts[0])
	}

	return true
}

func (cli *CLI) printHelp() {
	fmt.Fprintln(cli.out)
	headingColor.Fprintln(cli.out, "Special Commands:")
	fmt.Fprintln(cli.out, "  .help, .h               Show this help message")
	fmt.Fprintln(cli.out, "  .quit, .exit            Exit the CLI")
	fmt.Fprintln(cli.out, "  .versions               List all versions")
	fmt.Fprintln(cli.out, "  .switch <version>       Set the active version")
	fmt.Fprintln(cli.out, "  .branch <name> [from]   Create a version")
	fmt.Fprintln(cli.out, "  .checkpoint [version]   Seal the working changes of a version")
	fmt.Fprintln(cli.out, "  .log [count]            Show recent transactions")
	fmt.Fprintln(cli.out, "  .schemas                List registered schemas")
	fmt.Fprintln(cli.out, "  .register <file>        Register a schema from a JSON file")
	fmt.Fprintln(cli.out, "  .info                   Show the store id and name")
	fmt.Fprintln(cli.out, "  .export <location>      Save the store as a blob")
	fmt.Fprintln(cli.out, "  .import <file>          Execute SQL statements from a file")
	fmt.Fprintln(cli.out, "  .history                Show command history")
	fmt.Fprintln(cli.out, "  .clear                  Clear the screen")
	fmt.Fprintln(cli.out, "  .version                Show version info")
	fmt.Fprintln(cli.out)
	headingColor.Fprintln(cli.out, "SQL Commands:")
	fmt.Fprintln(cli.out, "  INSERT INTO <schema> (<cols>) VALUES (<vals>);")
	fmt.Fprintln(cli.out, "  SELECT <cols> FROM <schema>[_all|_history] [WHERE ...] [ORDER BY ...] [LIMIT n];")
	fmt.Fprintln(cli.out, "  UPDATE <schema>[_all] SET <col>=<val> WHERE ...;")
	fmt.Fprintln(cli.out, "  DELETE FROM <schema>[_all] WHERE ...;")
	fmt.Fprintln(cli.out, "  SELECT ... FROM state_all;")
	fmt.Fprintln(cli.out)
	headingColor.Fprint(cli.out, "Aggregates:")
	fmt.Fprintln(cli.out, " SUM, AVG, MIN, MAX, COUNT")
	headingColor.Fprint(cli.out, "JSON:")
	fmt.Fprintln(cli.out, " json, json_object, json_array, json_extract, json_set, json_remove")
	fmt.Fprintln(cli.out)
}

func (cli *CLI) showVersions() {
	active := cli.engine.ActiveVersion()
	table := db.NewTable(cli.out)
	table.Header([]string{"", "name", "id", "inherits_from", "commit_id"})
	for _, version := range cli.engine.Versions() {
		if version.Hidden {
			continue
		}
		marker := ""
		if version.ID == active {
			marker = "*"
		}
		table.Row([]string{marker, version.Name, version.ID, version.InheritsFromVersionID, version.CommitID})
	}
	table.Render()
}

func (cli *CLI) checkpoint(target string) {
	result, err := cli.engine.Checkpoint(target)
	if err != nil {
		cli.fail(err)
		return
	}
	if !result.Created {
		fmt.Fprintln(cli.out, "Nothing to checkpoint")
		return
	}
	successColor.Fprintf(cli.out, "✓ Checkpoint %s\n", result.CommitID)
}

func (cli *CLI) showLog(limit int) {
	transactions, err := cli.engine.Transactions(time.Time{})
	if err != nil {
		cli.fail(err)
		return
	}
	table := db.NewTable(cli.out)
	table.Header([]string{"id", "when", "author", "message"})
	for i, transaction := range transactions {
		if i >= limit {
			break
		}
		table.Row([]string{
			transaction.Id,
			transaction.When.Format(time.RFC3339),
			transaction.Author,
			strings.TrimSpace(transaction.Message),
		})
	}
	table.Render()
}

func (cli *CLI) showSchemas() {
	table := db.NewTable(cli.out)
	table.Header([]string{"key", "version", "primary_key"})
	for _, schema := range cli.engine.Schemas() {
		table.Row([]string{schema.Key, schema.Version, strings.Join(schema.PrimaryKey, ", ")})
	}
	table.Render()
}

func (cli *CLI) registerSchema(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	var definition core.Schema
	if err := json.Unmarshal(data, &definition); err != nil {
		return fmt.Errorf("failed to decode schema: %w", err)
	}
	if err := cli.engine.RegisterSchema(definition); err != nil {
		return err
	}
	successColor.Fprintf(cli.out, "✓ Registered schema %s@%s\n", definition.Key, definition.Version)
	return nil
}

func (cli *CLI) addToHistory(cmd string) {
	// Don't add duplicates of the last command
	if len(cli.history) > 0 && cli.history[len(cli.history)-1] == cmd {
		return
	}
	cli.history = append(cli.history, cmd)

	if len(cli.history) > 1000 {
		cli.history = cli.history[len(cli.history)-1000:]
	}
}

func (cli *CLI) printHistory() {
	if len(cli.history) == 0 {
		fmt.Fprintln(cli.out, "No command history")
		return
	}

	start := max(len(cli.history)-20, 0)
	for i := start; i < len(cli.history); i++ {
		fmt.Fprintf(cli.out, "  %3d  %s\n", i+1, cli.history[i])
	}
}

func getHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".entitydb_history")
}

func (cli *CLI) loadHistory() {
	if cli.historyFile == "" {
		return
	}

	file, err := os.Open(cli.historyFile)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		cli.history = append(cli.history, scanner.Text())
	}
}

func (cli *CLI) saveHistory() {
	if cli.historyFile == "" {
		return
	}

	file, err := os.Create(cli.historyFile)
	if err != nil {
		return
	}
	defer file.Close()

	start := max(len(cli.history)-1000, 0)
	for i := start; i < len(cli.history); i++ {
		_, _ = file.WriteString(cli.history[i] + "\n")
	}
}

// importFile reads and executes SQL statements from a file
func (cli *CLI) importFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	successCount := 0
	errorCount := 0

	for i, stmt := range splitStatements(string(data)) {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" || strings.HasPrefix(stmt, "--") {
			continue
		}

		result, err := cli.engine.Execute(stmt)
		if err != nil {
			errorColor.Fprintf(cli.out, "[%d] ✗ %s\n", i+1, truncate(stmt, 50))
			fmt.Fprintf(cli.out, "      Error: %v\n", err)
			errorCount++
			continue
		}
		successCount++

		switch r := result.(type) {
		case db.CommitResult:
			var details []string
			if r.RecordsWritten > 0 {
				details = append(details, fmt.Sprintf("%d written", r.RecordsWritten))
			}
			if r.RecordsDeleted > 0 {
				details = append(details, fmt.Sprintf("%d deleted", r.RecordsDeleted))
			}
			detailStr := ""
			if len(details) > 0 {
				detailStr = " (" + strings.Join(details, ", ") + ")"
			}
			successColor.Fprintf(cli.out, "[%d] ✓ %s%s\n", i+1, truncate(stmt, 50), detailStr)
		case db.QueryResult:
			successColor.Fprintf(cli.out, "[%d] ✓ %s (%d rows)\n", i+1, truncate(stmt, 50), r.RecordsRead)
		}
	}

	successColor.Fprintf(cli.out, "\n✓ Import complete: %d succeeded, %d failed\n", successCount, errorCount)
	return nil
}

// splitStatements splits SQL content into individual statements
func splitStatements(content string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	stringChar := byte(0)

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if (ch == '\'' || ch == '"') && (i == 0 || content[i-1] != '\\') {
			if !inString {
				inString = true
				stringChar = ch
			} else if ch == stringChar {
				inString = false
			}
		}

		// Skip comments to end of line
		if !inString && ch == '-' && i+1 < len(content) && content[i+1] == '-' {
			for i < len(content) && content[i] != '\n' {
				i++
			}
			continue
		}

		if !inString && ch == ';' {
			stmt := strings.TrimSpace(current.String())
			if stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
			continue
		}

		current.WriteByte(ch)
	}

	// Handle last statement without semicolon
	stmt := strings.TrimSpace(current.String())
	if stmt != "" {
		statements = append(statements, stmt)
	}

	return statements
}

// truncate shortens a string to max length with ellipsis
func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
