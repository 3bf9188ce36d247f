package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/samber/lo"
	"github.com/stake-plus/govsignal/src/store"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Archive writes closed polls as markdown, and optionally as sanitized HTML,
// into Dir.
type Archive struct {
	Dir  string
	HTML bool

	md       goldmark.Markdown
	policy   *bluemonday.Policy
	initOnce sync.Once
}

func NewArchive(dir string, html bool) *Archive {
	return &Archive{Dir: dir, HTML: html}
}

func (a *Archive) init() {
	a.initOnce.Do(func() {
		a.md = goldmark.New(goldmark.WithExtensions(extension.GFM))
		a.policy = bluemonday.UGCPolicy()
	})
}

// Export writes the snapshot for rec and returns the markdown path. Writing
// the same record twice overwrites the same files.
func (a *Archive) Export(ctx context.Context, rec *store.PollRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !rec.Closed {
		return "", store.ErrNotClosed
	}
	a.init()
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating archive dir: %w", err)
	}

	md := Markdown(rec)
	mdPath := Path(a.Dir, rec, "md")
	if err := writeAtomic(mdPath, []byte(md)); err != nil {
		return "", err
	}
	if a.HTML {
		var buf bytes.Buffer
		if err := a.md.Convert([]byte(md), &buf); err != nil {
			return "", fmt.Errorf("rendering html: %w", err)
		}
		page := htmlPage(rec.Title, a.policy.SanitizeBytes(buf.Bytes()))
		if err := writeAtomic(Path(a.Dir, rec, "html"), page); err != nil {
			return "", err
		}
	}
	return mdPath, nil
}

// Markdown renders the permanent snapshot: final tally, winner and every
// voter's choice and reason, sorted by voter id.
func Markdown(rec *store.PollRecord) string {
	var b strings.Builder
	counts := rec.Counts()

	fmt.Fprintf(&b, "# %s\n\n", oneLine(rec.Title))
	if pid, ok := rec.Proposal(); ok {
		fmt.Fprintf(&b, "- Proposal: %d\n", pid)
	}
	if rec.ProposalURL != "" {
		fmt.Fprintf(&b, "- Link: %s\n", rec.ProposalURL)
	}
	fmt.Fprintf(&b, "- Poll: `%s`\n", rec.ID)
	fmt.Fprintf(&b, "- Created: %s\n", stamp(rec.CreatedAt))
	fmt.Fprintf(&b, "- Closes: %s\n", stamp(rec.ClosesAt))
	if rec.ClosedAt != nil {
		fmt.Fprintf(&b, "- Closed: %s\n", stamp(*rec.ClosedAt))
	}
	fmt.Fprintf(&b, "- Result: **%s** (%s)\n\n", rec.Winner.Label(), rec.State)

	b.WriteString("## Tally\n\n")
	b.WriteString("| For | Against | Abstain | Total |\n|---|---|---|---|\n")
	fmt.Fprintf(&b, "| %d | %d | %d | %d |\n\n", counts.For, counts.Against, counts.Abstain, counts.Total())

	b.WriteString("## Votes\n\n")
	ballots := rec.Ballots()
	if len(ballots) == 0 {
		b.WriteString("No votes were cast.\n")
	} else {
		voters := lo.Keys(ballots)
		sort.Strings(voters)
		b.WriteString("| Voter | Choice | Reason |\n|---|---|---|\n")
		for _, v := range voters {
			bl := ballots[v]
			fmt.Fprintf(&b, "| <@%s> | %s | %s |\n", v, bl.Choice.Label(), cell(bl.Reason))
		}
	}

	if desc := strings.TrimSpace(rec.Description); desc != "" {
		b.WriteString("\n## Description\n\n")
		b.WriteString(desc)
		b.WriteString("\n")
	}
	return b.String()
}

func htmlPage(title string, body []byte) []byte {
	var b bytes.Buffer
	b.WriteString("<!doctype html>\n<html><head><meta charset=\"utf-8\"><title>")
	b.WriteString(bluemonday.StrictPolicy().Sanitize(oneLine(title)))
	b.WriteString("</title></head><body>\n")
	b.Write(body)
	b.WriteString("</body></html>\n")
	return b.Bytes()
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func cell(s string) string {
	s = oneLine(s)
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, "|", `\|`)
}

func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temporary archive file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temporary archive file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temporary archive file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temporary archive file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming archive file into place: %w", err)
	}
	return nil
}
