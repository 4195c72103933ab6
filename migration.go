package main

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// FilterKind tells how a row filter combines with the chunk range predicate.
type FilterKind int

const (
	FilterNone FilterKind = iota
	FilterWhere
	FilterInnerJoin
)

var (
	whereFilterPattern = regexp.MustCompile(`(?is)^\s*where\s+\S`)
	joinFilterPattern  = regexp.MustCompile(`(?is)^\s*inner\s+join\s+\S`)
)

// classifyFilter accepts an empty filter, a WHERE predicate or an INNER JOIN
// clause.
func classifyFilter(filter string) (FilterKind, error) {
	switch {
	case strings.TrimSpace(filter) == "":
		return FilterNone, nil
	case whereFilterPattern.MatchString(filter):
		return FilterWhere, nil
	case joinFilterPattern.MatchString(filter):
		return FilterInnerJoin, nil
	default:
		return FilterNone, errorf(ErrInvalidFilter, "%q must start with WHERE or INNER JOIN", filter)
	}
}

// Intersection pairs origin columns with the destination columns they are
// copied into. Both slices have the same length.
type Intersection struct {
	Origin      []string
	Destination []string
}

// Migration describes one copy-and-swap run. It is not modified after
// NewMigration returns.
type Migration struct {
	origin       *Table
	destination  *Table
	conditions   string
	filterKind   FilterKind
	renames      map[string]string
	names        TableName
	key          string
	intersection Intersection
}

// NewMigration validates the table pair and derives the column
// correspondence. renames maps destination column names to origin names.
func NewMigration(origin, destination *Table, conditions string, renames map[string]string, at time.Time) (*Migration, error) {
	kind, err := classifyFilter(conditions)
	if err != nil {
		return nil, err
	}
	key, err := origin.OrderingKey()
	if err != nil {
		return nil, err
	}

	cp := make(map[string]string, len(renames))
	for dest, orig := range renames {
		cp[dest] = orig
	}
	inter, err := intersect(origin, destination, cp)
	if err != nil {
		return nil, err
	}
	if !containsFold(inter.Origin, key) {
		return nil, errorf(ErrEmptyIntersection, "ordering key %s is not shared by %s and %s", key, origin.Name, destination.Name)
	}

	return &Migration{
		origin:       origin,
		destination:  destination,
		conditions:   strings.TrimSpace(conditions),
		filterKind:   kind,
		renames:      cp,
		names:        NewTableName(origin.Name, at),
		key:          key,
		intersection: inter,
	}, nil
}

// intersect lists the shared columns sorted by name followed by the renamed
// columns sorted by destination name. Generated columns are skipped.
func intersect(origin, destination *Table, renames map[string]string) (Intersection, error) {
	renamedFrom := make(map[string]bool, len(renames))
	renamedTo := make(map[string]bool, len(renames))
	for dest, orig := range renames {
		oc, ok := origin.Column(orig)
		if !ok {
			return Intersection{}, errorf(ErrInvalidRename, "%s has no column %s", origin.Name, orig)
		}
		dc, ok := destination.Column(dest)
		if !ok {
			return Intersection{}, errorf(ErrInvalidRename, "%s has no column %s", destination.Name, dest)
		}
		if isGeneratedColumn(oc) || isGeneratedColumn(dc) {
			return Intersection{}, errorf(ErrInvalidRename, "%s -> %s involves a generated column", orig, dest)
		}
		renamedFrom[strings.ToLower(orig)] = true
		renamedTo[strings.ToLower(dest)] = true
	}

	var common []string
	for _, oc := range origin.Columns {
		if isGeneratedColumn(oc) || renamedFrom[strings.ToLower(oc.Name)] || renamedTo[strings.ToLower(oc.Name)] {
			continue
		}
		dc, ok := destination.Column(oc.Name)
		if !ok || isGeneratedColumn(dc) {
			continue
		}
		common = append(common, oc.Name)
	}
	sort.Strings(common)

	dests := make([]string, 0, len(renames))
	for dest := range renames {
		dests = append(dests, dest)
	}
	sort.Strings(dests)

	inter := Intersection{
		Origin:      append([]string{}, common...),
		Destination: append([]string{}, common...),
	}
	for _, dest := range dests {
		inter.Origin = append(inter.Origin, renames[dest])
		inter.Destination = append(inter.Destination, dest)
	}
	if len(inter.Origin) == 0 {
		return Intersection{}, errorf(ErrEmptyIntersection, "%s and %s", origin.Name, destination.Name)
	}
	return inter, nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func (m *Migration) Destination() *Table { return m.destination }

func (m *Migration) OriginName() string { return m.origin.Name }

func (m *Migration) DestinationName() string { return m.destination.Name }

// Conditions is the raw row filter, empty when unset.
func (m *Migration) Conditions() string { return m.conditions }

func (m *Migration) FilterKind() FilterKind { return m.filterKind }

// Key is the origin column chunks are ranged over.
func (m *Migration) Key() string { return m.key }

func (m *Migration) Renames() map[string]string {
	cp := make(map[string]string, len(m.renames))
	for k, v := range m.renames {
		cp[k] = v
	}
	return cp
}

func (m *Migration) Intersection() Intersection {
	return Intersection{
		Origin:      append([]string{}, m.intersection.Origin...),
		Destination: append([]string{}, m.intersection.Destination...),
	}
}

func (m *Migration) ArchiveName() string { return m.names.Archived() }

func (m *Migration) ShadowName() string { return m.names.Shadow() }

// DestinationKey is the destination column holding the ordering key.
func (m *Migration) DestinationKey() string {
	for i, c := range m.intersection.Origin {
		if strings.EqualFold(c, m.key) {
			return m.intersection.Destination[i]
		}
	}
	return m.key
}

// OriginColumns renders the origin side qualified with the given table, e.g.
// `origin`.`a`.
func (m *Migration) OriginColumns(qualifier string) string {
	return typedColumns(qualifier, m.intersection.Origin)
}

func (m *Migration) DestinationColumns() string {
	return joinColumns(m.intersection.Destination)
}
