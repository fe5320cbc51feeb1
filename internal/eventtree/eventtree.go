// Package eventtree reads the bot's event log back as a parent/child tree
// and renders it for a terminal or as JSON.
package eventtree

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrNoRoot is returned when no matching process.started event exists.
var ErrNoRoot = errors.New("no process.started event found")

// Node is one event with its direct children, ordered by id.
type Node struct {
	ID        int64
	Timestamp int64
	ParentID  sql.NullInt64
	EventType string
	Payload   sql.NullString
	Children  []*Node
}

// Options controls rendering.
type Options struct {
	// MaxDepth limits how many levels are shown; 0 shows everything.
	MaxDepth  int
	NoPayload bool
}

// LatestRoot returns the id of the newest process.started event whose
// payload role equals role.
func LatestRoot(db *sql.DB, role string) (int64, error) {
	var id int64
	err := db.QueryRow(
		`SELECT id FROM events WHERE event_type = 'process.started'
		 AND json_extract(payload, '$.role') = ?
		 ORDER BY id DESC LIMIT 1`,
		role,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("role %s: %w", role, ErrNoRoot)
	}
	return id, err
}

// Load reads the subtree under rootID and links it together. It returns nil
// when rootID does not exist.
func Load(db *sql.DB, rootID int64) (*Node, error) {
	rows, err := db.Query(`
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM events WHERE id = ?
			UNION ALL
			SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload
		FROM events e
		WHERE e.id IN (SELECT id FROM subtree)
		ORDER BY e.id ASC
	`, rootID)
	if err != nil {
		return nil, fmt.Errorf("query subtree of %d: %w", rootID, err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n := &Node{}
		if err := rows.Scan(&n.ID, &n.Timestamp, &n.ParentID, &n.EventType, &n.Payload); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return link(nodes, rootID), nil
}

func link(nodes []*Node, rootID int64) *Node {
	byID := make(map[int64]*Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	for _, n := range nodes {
		if !n.ParentID.Valid || n.ParentID.Int64 == n.ID {
			continue
		}
		if parent, ok := byID[n.ParentID.Int64]; ok {
			parent.Children = append(parent.Children, n)
		}
	}
	for _, n := range nodes {
		slices.SortFunc(n.Children, func(a, b *Node) int {
			return int(a.ID - b.ID)
		})
	}
	return byID[rootID]
}

// Render writes root as an indented tree drawn with box characters.
func Render(w io.Writer, root *Node, opts Options) error {
	var sb strings.Builder
	renderNode(&sb, root, "", true, 1, opts)
	_, err := io.WriteString(w, sb.String())
	return err
}

func renderNode(sb *strings.Builder, n *Node, prefix string, last bool, depth int, opts Options) {
	if depth == 1 {
		sb.WriteString(Line(n, opts.NoPayload))
	} else {
		sb.WriteString(prefix + branch(last) + Line(n, opts.NoPayload))
	}
	sb.WriteByte('\n')

	childPrefix := prefix
	if depth > 1 {
		childPrefix += indent(last)
	}
	if opts.MaxDepth > 0 && depth >= opts.MaxDepth {
		if len(n.Children) > 0 {
			sb.WriteString(childPrefix + "└── [...]\n")
		}
		return
	}
	for i, child := range n.Children {
		renderNode(sb, child, childPrefix, i == len(n.Children)-1, depth+1, opts)
	}
}

func branch(last bool) string {
	if last {
		return "└── "
	}
	return "├── "
}

func indent(last bool) string {
	if last {
		return "    "
	}
	return "│   "
}

// Line formats one event as "[id] timestamp  type  key=value ...", with
// payload keys sorted.
func Line(n *Node, noPayload bool) string {
	ts := time.Unix(n.Timestamp, 0).UTC().Format(time.DateTime)
	line := fmt.Sprintf("[%d] %s  %s", n.ID, ts, n.EventType)
	if noPayload || !n.Payload.Valid || !gjson.Valid(n.Payload.String) {
		return line
	}
	payload := gjson.Parse(n.Payload.String)
	if !payload.IsObject() {
		return line
	}
	type field struct{ key, value string }
	var fields []field
	payload.ForEach(func(key, value gjson.Result) bool {
		fields = append(fields, field{key.String(), formatValue(value)})
		return true
	})
	slices.SortFunc(fields, func(a, b field) int { return strings.Compare(a.key, b.key) })
	for _, f := range fields {
		line += "  " + f.key + "=" + f.value
	}
	return line
}

const maxValueChars = 80

func formatValue(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		runes := []rune(v.Str)
		if len(runes) > maxValueChars {
			return strconv.Quote(string(runes[:maxValueChars]) + "...")
		}
		return v.Str
	case gjson.Number:
		if f := v.Float(); f == float64(int64(f)) {
			return strconv.FormatInt(int64(f), 10)
		}
		return v.Raw
	case gjson.Null:
		return "null"
	default:
		return v.Raw
	}
}

type jsonNode struct {
	ID        int64           `json:"id"`
	Timestamp int64           `json:"timestamp"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Children  []jsonNode      `json:"children,omitempty"`
}

func toJSON(n *Node, depth int, opts Options) jsonNode {
	out := jsonNode{ID: n.ID, Timestamp: n.Timestamp, EventType: n.EventType}
	if !opts.NoPayload && n.Payload.Valid && gjson.Valid(n.Payload.String) {
		out.Payload = json.RawMessage(n.Payload.String)
	}
	if opts.MaxDepth > 0 && depth >= opts.MaxDepth {
		return out
	}
	for _, child := range n.Children {
		out.Children = append(out.Children, toJSON(child, depth+1, opts))
	}
	return out
}

// RenderJSON writes root and its descendants as indented JSON.
func RenderJSON(w io.Writer, root *Node, opts Options) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(toJSON(root, 1, opts))
}
