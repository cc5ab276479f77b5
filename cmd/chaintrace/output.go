package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/chaintrace/chaintrace/internal/changeledger"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func encode(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unsupported output format %q (want text, json or yaml)", format)
}

func printBlock(w io.Writer, format string, b *changeledger.Block) error {
	if format != formatText {
		return encode(w, format, b)
	}

	fmt.Fprintf(w, "Device:     %s\n", b.DeviceID)
	fmt.Fprintf(w, "Index:      %d\n", b.Index)
	fmt.Fprintf(w, "Version:    %d\n", b.Version)
	fmt.Fprintf(w, "Timestamp:  %s\n", b.Timestamp.Format(changeledger.TimestampLayout))
	fmt.Fprintf(w, "Operator:   %s\n", b.Operator)
	if b.ChangeType != "" {
		fmt.Fprintf(w, "Change:     %s\n", b.ChangeType)
	}
	if b.Summary != "" {
		fmt.Fprintf(w, "Summary:    %s\n", b.Summary)
	}
	fmt.Fprintf(w, "Prev Hash:  %s\n", b.PrevHash)
	_, err := fmt.Fprintf(w, "Hash:       %s\n", b.Hash)
	return err
}

func printBlocks(w io.Writer, format string, blocks []*changeledger.Block) error {
	if format != formatText {
		if blocks == nil {
			blocks = []*changeledger.Block{}
		}
		return encode(w, format, blocks)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tVERSION\tTIMESTAMP\tOPERATOR\tCHANGE\tHASH")
	for _, b := range blocks {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n",
			b.Index, b.Version, b.Timestamp.Format(changeledger.TimestampLayout),
			b.Operator, b.ChangeType, shortHash(b.Hash))
	}
	return tw.Flush()
}

func printReports(w io.Writer, format string, reports []changeledger.Report) error {
	if format != formatText {
		if reports == nil {
			reports = []changeledger.Report{}
		}
		return encode(w, format, reports)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tBLOCKS\tSTATUS\tDETAIL")
	for _, r := range reports {
		status, detail := "ok", shortHash(r.Tip)
		if r.Violation != nil {
			status = strings.ToUpper(string(r.Violation.Kind))
			detail = r.Violation.Error()
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.DeviceID, r.Blocks, status, detail)
	}
	return tw.Flush()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
