package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/TimurManjosov/gopersonalize/internal/client"
	"github.com/TimurManjosov/gopersonalize/internal/rules"
)

// OutputFormat specifies the output format for CLI commands
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// PrintRules outputs rules in the specified format
func PrintRules(w io.Writer, list []rules.Rule, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return printJSON(w, map[string][]rules.Rule{"rules": list})
	case FormatYAML:
		return printYAML(w, list)
	case FormatTable:
		return printRuleTable(w, list)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// PrintRule outputs a single rule in the specified format
func PrintRule(w io.Writer, r *rules.Rule, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return printJSON(w, r)
	case FormatYAML:
		return printYAML(w, r)
	case FormatTable:
		return printRuleTable(w, []rules.Rule{*r})
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// PrintConditions outputs condition types grouped by category
func PrintConditions(w io.Writer, groups map[string][]client.ConditionType, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return printJSON(w, map[string]any{"conditions": groups})
	case FormatYAML:
		return printYAML(w, groups)
	case FormatTable:
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}

	categories := make([]string, 0, len(groups))
	for c := range groups {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	table := tablewriter.NewWriter(w)
	table.Header("Category", "Identifier", "Description", "Comparators", "Usable")
	for _, category := range categories {
		for _, c := range groups[category] {
			cmps := make([]string, 0, len(c.Comparators))
			for _, o := range c.Comparators {
				cmps = append(cmps, o.Key)
			}
			usable := "yes"
			if !c.Usable {
				usable = "no: " + strings.Join(c.Unmet, "; ")
			}
			table.Append(category, c.Identifier, c.Description, strings.Join(cmps, ", "), usable)
		}
	}
	return table.Render()
}

// PrintEntries outputs resolve results next to the refs they answer
func PrintEntries(w io.Writer, refs []string, entries []*string, format OutputFormat) error {
	byRef := make(map[string]*string, len(refs))
	for i, ref := range refs {
		if i < len(entries) {
			byRef[ref] = entries[i]
		}
	}
	switch format {
	case FormatJSON:
		return printJSON(w, byRef)
	case FormatYAML:
		return printYAML(w, byRef)
	case FormatTable:
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}

	table := tablewriter.NewWriter(w)
	table.Header("Block", "Renders", "Markup")
	for _, ref := range refs {
		entry := byRef[ref]
		if entry == nil {
			table.Append(ref, "no", "")
			continue
		}
		table.Append(ref, "yes", truncate(*entry, 60))
	}
	return table.Render()
}

func printJSON(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func printYAML(w io.Writer, data any) error {
	encoder := yaml.NewEncoder(w)
	defer encoder.Close()
	encoder.SetIndent(2)
	return encoder.Encode(data)
}

func printRuleTable(w io.Writer, list []rules.Rule) error {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Name", "Type", "Operator", "Conditions", "Modified")

	for _, r := range list {
		measures := make([]string, 0, len(r.Conditions))
		for _, c := range r.Conditions {
			measures = append(measures, c.Measure+" "+c.Comparator+" "+c.Value.String())
		}
		modified := "-"
		if !r.ModifiedAt.IsZero() {
			modified = humanize.Time(r.ModifiedAt)
		}

		table.Append(
			strconv.FormatInt(r.ID, 10),
			truncate(r.Name, 40),
			string(r.Type),
			string(r.Operator),
			truncate(strings.Join(measures, "; "), 60),
			modified,
		)
	}

	return table.Render()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
