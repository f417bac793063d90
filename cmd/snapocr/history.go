/**
 * snapocr history subcommands
 *
 * List, inspect, and mutate the recognition archive. Without DATABASE_URL the
 * store starts empty every run, so mutations only make sense against the
 * PostgreSQL-backed history shared with the worker.
 */

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/snaptext/ocr-worker/internal/history"
)

func runHistory(args []string) error {
	verb := "list"
	rest := args
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		verb = args[0]
		rest = args[1:]
	}

	switch verb {
	case "list":
		return runHistoryList(rest)
	case "show":
		return runHistoryShow(rest)
	case "pin":
		return runHistoryPin(rest, true)
	case "unpin":
		return runHistoryPin(rest, false)
	case "delete":
		return runHistoryDelete(rest)
	case "tag":
		return runHistoryTag(rest, true)
	case "untag":
		return runHistoryTag(rest, false)
	case "note":
		return runHistoryNote(rest)
	default:
		return fmt.Errorf("unknown history subcommand %q (expected list, show, pin, unpin, delete, tag, untag, note)", verb)
	}
}

// historyPipeline opens the store and warns when nothing persists it.
func historyPipeline(configPath string) (*pipeline, error) {
	p, err := newPipeline(configPath)
	if err != nil {
		return nil, err
	}
	if p.cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "Warning: DATABASE_URL is not set; history starts empty and changes are not persisted")
	}
	return p, nil
}

func runHistoryList(args []string) error {
	fs := flag.NewFlagSet("history list", flag.ExitOnError)
	configPath := fs.String("config", "", "path to snapocr.yaml")
	query := fs.String("q", "", "match against recognized text, tags, and notes")
	limit := fs.Int("limit", 20, "maximum entries to print")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *limit < 1 {
		return fmt.Errorf("-limit must be positive, got %d", *limit)
	}

	p, err := historyPipeline(*configPath)
	if err != nil {
		return err
	}
	defer p.close()

	items := p.store.Search(*query)
	total := len(items)
	if total == 0 {
		fmt.Println("No history entries.")
		return nil
	}
	if len(items) > *limit {
		items = items[:*limit]
	}

	for _, item := range items {
		fmt.Println(formatHistoryLine(item))
	}
	if total > len(items) {
		fmt.Printf("(%d more; raise -limit to see them)\n", total-len(items))
	}
	return nil
}

func runHistoryShow(args []string) error {
	fs := flag.NewFlagSet("history show", flag.ExitOnError)
	configPath := fs.String("config", "", "path to snapocr.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	id := fs.Arg(0)
	if id == "" {
		return fmt.Errorf("usage: snapocr history show ID")
	}

	p, err := historyPipeline(*configPath)
	if err != nil {
		return err
	}
	defer p.close()

	item, err := p.store.Get(id)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode item: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func runHistoryPin(args []string, pin bool) error {
	name := "history unpin"
	if pin {
		name = "history pin"
	}

	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "path to snapocr.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	id := fs.Arg(0)
	if id == "" {
		return fmt.Errorf("usage: snapocr %s ID", name)
	}

	p, err := historyPipeline(*configPath)
	if err != nil {
		return err
	}
	defer p.close()

	ctx := context.Background()
	if pin {
		if err := p.store.Pin(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Pinned %s\n", id)
		return nil
	}

	if err := p.store.Unpin(ctx, id); err != nil {
		return err
	}
	fmt.Printf("Unpinned %s\n", id)
	return nil
}

func runHistoryDelete(args []string) error {
	fs := flag.NewFlagSet("history delete", flag.ExitOnError)
	configPath := fs.String("config", "", "path to snapocr.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	id := fs.Arg(0)
	if id == "" {
		return fmt.Errorf("usage: snapocr history delete ID")
	}

	p, err := historyPipeline(*configPath)
	if err != nil {
		return err
	}
	defer p.close()

	if err := p.store.Delete(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", id)
	return nil
}

func runHistoryTag(args []string, add bool) error {
	name := "history untag"
	if add {
		name = "history tag"
	}

	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "path to snapocr.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	id, tag := fs.Arg(0), fs.Arg(1)
	if id == "" || tag == "" {
		return fmt.Errorf("usage: snapocr %s ID TAG", name)
	}

	p, err := historyPipeline(*configPath)
	if err != nil {
		return err
	}
	defer p.close()

	ctx := context.Background()
	if add {
		if err := p.store.Tag(ctx, id, tag); err != nil {
			return err
		}
		fmt.Printf("Tagged %s with %q\n", id, tag)
		return nil
	}

	if err := p.store.Untag(ctx, id, tag); err != nil {
		return err
	}
	fmt.Printf("Removed tag %q from %s\n", tag, id)
	return nil
}

func runHistoryNote(args []string) error {
	fs := flag.NewFlagSet("history note", flag.ExitOnError)
	configPath := fs.String("config", "", "path to snapocr.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	id := fs.Arg(0)
	if id == "" || fs.NArg() < 2 {
		return fmt.Errorf("usage: snapocr history note ID TEXT")
	}
	note := strings.Join(fs.Args()[1:], " ")

	p, err := historyPipeline(*configPath)
	if err != nil {
		return err
	}
	defer p.close()

	if err := p.store.SetNote(context.Background(), id, note); err != nil {
		return err
	}
	fmt.Printf("Noted %s\n", id)
	return nil
}

// formatHistoryLine renders one archive entry for the list view.
func formatHistoryLine(item *history.Item) string {
	marker := " "
	if item.Pinned {
		marker = "*"
	}

	text := ""
	confidence := 0.0
	backend := ""
	if item.Result != nil {
		text = previewText(item.Result.FullText, 60)
		confidence = item.Result.Confidence
		backend = string(item.Result.Backend)
	}

	tags := ""
	if len(item.Tags) > 0 {
		tags = " [" + strings.Join(item.Tags, ",") + "]"
	}

	return fmt.Sprintf("%s %s  %s  %-9s %.2f%s  %s",
		marker, item.ID, item.CreatedAt.Format("2006-01-02 15:04"), backend, confidence, tags, text)
}

// previewText flattens and truncates recognized text for single-line output.
func previewText(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
