// Package reconcile folds the copies of assessment records held by the API,
// the document store and the device into one deduplicated, ordered view.
package reconcile

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/okian/fieldsync/internal/domain/model"
)

const dayLayout = "2006-01-02"

// Result is a merged view plus counters for observability.
type Result struct {
	Records []model.AssessmentRecord
	Copies  int // copies received across all sources
	Folded  int // copies absorbed into another record
}

// CompositeKey is the fallback merge key: subject, category and the UTC
// calendar day of capture.
func CompositeKey(r model.AssessmentRecord) string {
	day := ""
	if !r.SubmittedAt.IsZero() {
		day = r.SubmittedAt.UTC().Format(dayLayout)
	}
	return strings.Join([]string{r.SubjectID, string(r.Category), day}, "|")
}

// MergeKey identifies the logical record: its canonical remote id once one
// exists, the composite key otherwise.
func MergeKey(r model.AssessmentRecord) string {
	if r.Remote.Document != "" {
		return r.Remote.Document
	}
	if r.Remote.API != "" {
		return r.Remote.API
	}
	return CompositeKey(r)
}

type copyRef struct {
	src model.Source
	rec model.AssessmentRecord
}

// Merge builds the view. Field conflicts resolve api > document-store > local,
// except that a copy carrying analysis always supplies it. Local-only records
// are always kept.
func Merge(api, docs, local []model.AssessmentRecord) Result {
	copies := make([]copyRef, 0, len(api)+len(docs)+len(local))
	copies = appendSorted(copies, model.SourceAPI, api)
	copies = appendSorted(copies, model.SourceDocument, docs)
	copies = appendSorted(copies, model.SourceLocal, local)

	uf := newUnionFind(len(copies))
	owner := make(map[string]int)
	for i, c := range copies {
		for _, tok := range identityTokens(c.rec) {
			if j, ok := owner[tok]; ok {
				uf.union(j, i)
				continue
			}
			owner[tok] = i
		}
	}

	mergeByHeuristic(copies, uf)

	groups := make(map[int][]copyRef)
	var roots []int
	for i, c := range copies {
		r := uf.find(i)
		if _, ok := groups[r]; !ok {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], c)
	}

	out := make([]model.AssessmentRecord, 0, len(roots))
	for _, r := range roots {
		out = append(out, fold(groups[r]))
	}
	Sort(out)

	return Result{Records: out, Copies: len(copies), Folded: len(copies) - len(out)}
}

// Sort orders records by submittedAt descending, ties by merge key then id.
func Sort(records []model.AssessmentRecord) {
	slices.SortStableFunc(records, func(a, b model.AssessmentRecord) int {
		if c := b.SubmittedAt.Compare(a.SubmittedAt); c != 0 {
			return c
		}
		if c := cmp.Compare(MergeKey(a), MergeKey(b)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func appendSorted(dst []copyRef, src model.Source, recs []model.AssessmentRecord) []copyRef {
	sorted := slices.Clone(recs)
	slices.SortStableFunc(sorted, func(a, b model.AssessmentRecord) int {
		if c := cmp.Compare(a.ID, b.ID); c != 0 {
			return c
		}
		return a.SubmittedAt.Compare(b.SubmittedAt)
	})
	for _, r := range sorted {
		dst = append(dst, copyRef{src: src, rec: r})
	}
	return dst
}

func identityTokens(r model.AssessmentRecord) []string {
	toks := make([]string, 0, 4)
	for _, id := range []string{r.ID, r.Remote.Document, r.Remote.API} {
		if id != "" {
			toks = append(toks, "id:"+id)
		}
	}
	if r.ClientKey != "" {
		toks = append(toks, "ck:"+r.ClientKey)
	}
	return toks
}

type groupInfo struct {
	root       int
	sources    map[model.Source]bool
	clientKeys map[string]bool
}

// mergeByHeuristic joins groups that share the composite key. Two groups are
// only joined when no store holds a copy of both and their client keys do
// not conflict, so two distinct records from the same store never collapse.
func mergeByHeuristic(copies []copyRef, uf *unionFind) {
	byRoot := make(map[int]*groupInfo)
	var order []int
	for i, c := range copies {
		r := uf.find(i)
		g, ok := byRoot[r]
		if !ok {
			g = &groupInfo{root: r, sources: map[model.Source]bool{}, clientKeys: map[string]bool{}}
			byRoot[r] = g
			order = append(order, r)
		}
		g.sources[c.src] = true
		if c.rec.ClientKey != "" {
			g.clientKeys[c.rec.ClientKey] = true
		}
	}

	buckets := make(map[string][]*groupInfo)
	for _, r := range order {
		g := byRoot[r]
		key := CompositeKey(copies[r].rec)
		joined := false
		for _, other := range buckets[key] {
			if !compatible(g, other) {
				continue
			}
			uf.union(other.root, g.root)
			for s := range g.sources {
				other.sources[s] = true
			}
			for k := range g.clientKeys {
				other.clientKeys[k] = true
			}
			joined = true
			break
		}
		if !joined {
			buckets[key] = append(buckets[key], g)
		}
	}
}

func compatible(a, b *groupInfo) bool {
	for s := range a.sources {
		if b.sources[s] {
			return false
		}
	}
	return len(a.clientKeys) == 0 || len(b.clientKeys) == 0
}

// fold collapses one group of copies into a single record.
func fold(group []copyRef) model.AssessmentRecord {
	slices.SortStableFunc(group, func(a, b copyRef) int {
		if c := cmp.Compare(b.src.Rank(), a.src.Rank()); c != 0 {
			return c
		}
		if c := b.rec.UpdatedAt.Compare(a.rec.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.rec.ID, b.rec.ID)
	})

	out := group[0].rec.Clone()
	out.Analysis = nil
	var prov model.Provenance
	var local *model.AssessmentRecord
	var docID, apiID string

	for i := range group {
		c := group[i]
		r := c.rec
		prov = prov.With(c.src)

		switch c.src {
		case model.SourceDocument:
			docID = firstNonEmpty(docID, r.ID)
		case model.SourceAPI:
			apiID = firstNonEmpty(apiID, r.ID)
		case model.SourceLocal:
			if local == nil {
				local = &group[i].rec
			}
			prov = prov.Union(r.Provenance)
		}
		docID = firstNonEmpty(docID, r.Remote.Document)
		apiID = firstNonEmpty(apiID, r.Remote.API)

		if out.Analysis == nil && r.Analysis != nil {
			a := r.Analysis.Clone()
			out.Analysis = &a
		}
		out.ClientKey = firstNonEmpty(out.ClientKey, r.ClientKey)
		out.SubjectID = firstNonEmpty(out.SubjectID, r.SubjectID)
		out.AssessmentType = firstNonEmpty(out.AssessmentType, r.AssessmentType)
		out.Media.LocalPath = firstNonEmpty(out.Media.LocalPath, r.Media.LocalPath)
		out.Media.RemoteURL = firstNonEmpty(out.Media.RemoteURL, r.Media.RemoteURL)
		if out.Category == "" {
			out.Category = r.Category
		}
		if out.SubmittedAt.IsZero() {
			out.SubmittedAt = r.SubmittedAt
		}
		out.UpdatedAt = latest(out.UpdatedAt, r.UpdatedAt)
	}

	out.Remote = model.RemoteIDs{Document: docID, API: apiID}
	out.ID = firstNonEmpty(docID, apiID, out.ID)
	out.Provenance = prov

	switch {
	case local != nil:
		out.SyncState = local.SyncState
		out.LastError = local.LastError
	case docID != "" && apiID != "":
		out.SyncState = model.StatePushed
		out.LastError = ""
	default:
		out.SyncState = model.StatePartiallyPushed
		out.LastError = ""
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

// union attaches b's root under a's root.
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}
