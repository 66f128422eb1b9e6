package backend

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/askhub/livesync/internal/query"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func ident(name string) (string, error) {
	if !identRe.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return pgx.Identifier{name}.Sanitize(), nil
}

// sqlArgs accumulates positional parameters.
type sqlArgs []any

func (a *sqlArgs) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

func buildCond(c query.Cond, args *sqlArgs) (string, error) {
	col, err := ident(c.Column)
	if err != nil {
		return "", err
	}
	switch c.Op {
	case query.OpEq, query.OpNeq:
		if len(c.Values) != 1 {
			return "", fmt.Errorf("%s on %s needs one value", c.Op, c.Column)
		}
		v := c.Values[0]
		if v == nil {
			if c.Op == query.OpEq {
				return col + " IS NULL", nil
			}
			return col + " IS NOT NULL", nil
		}
		if c.Op == query.OpEq {
			return col + " = " + args.add(v), nil
		}
		return col + " IS DISTINCT FROM " + args.add(v), nil
	case query.OpIn:
		if len(c.Values) == 0 {
			return "FALSE", nil
		}
		ph := make([]string, len(c.Values))
		for i, v := range c.Values {
			ph[i] = args.add(v)
		}
		return col + " IN (" + strings.Join(ph, ", ") + ")", nil
	}
	return "", fmt.Errorf("unsupported op %q", c.Op)
}

// buildWhere renders f as a WHERE clause (empty for the zero filter).
func buildWhere(f query.Filter, args *sqlArgs) (string, error) {
	parts := make([]string, 0, len(f.All)+1)
	for _, c := range f.All {
		s, err := buildCond(c, args)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	if len(f.Any) > 0 {
		or := make([]string, 0, len(f.Any))
		for _, c := range f.Any {
			s, err := buildCond(c, args)
			if err != nil {
				return "", err
			}
			or = append(or, s)
		}
		parts = append(parts, "("+strings.Join(or, " OR ")+")")
	}
	if len(parts) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(parts, " AND "), nil
}

func buildSelect(table string, f query.Filter, o query.Order, limit int) (string, sqlArgs, error) {
	t, err := ident(table)
	if err != nil {
		return "", nil, err
	}
	var args sqlArgs
	where, err := buildWhere(f, &args)
	if err != nil {
		return "", nil, err
	}
	sql := "SELECT row_to_json(t) FROM " + t + " t" + where
	if !o.IsZero() {
		col, err := ident(o.Column)
		if err != nil {
			return "", nil, err
		}
		dir := " ASC"
		if o.Desc {
			dir = " DESC NULLS LAST"
		}
		sql += " ORDER BY " + col + dir
	}
	if limit > 0 {
		sql += " LIMIT " + args.add(limit)
	}
	return sql, args, nil
}

// sortedKeys keeps generated SQL stable for a given map.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func buildInsert(table string, row map[string]any) (string, sqlArgs, error) {
	t, err := ident(table)
	if err != nil {
		return "", nil, err
	}
	if len(row) == 0 {
		return "INSERT INTO " + t + " AS t DEFAULT VALUES RETURNING row_to_json(t)", nil, nil
	}
	var args sqlArgs
	cols := make([]string, 0, len(row))
	vals := make([]string, 0, len(row))
	for _, k := range sortedKeys(row) {
		c, err := ident(k)
		if err != nil {
			return "", nil, err
		}
		cols = append(cols, c)
		vals = append(vals, args.add(row[k]))
	}
	sql := "INSERT INTO " + t + " AS t (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(vals, ", ") + ") RETURNING row_to_json(t)"
	return sql, args, nil
}

func buildUpdate(table string, f query.Filter, patch map[string]any) (string, sqlArgs, error) {
	t, err := ident(table)
	if err != nil {
		return "", nil, err
	}
	if len(patch) == 0 {
		return "", nil, ErrEmptyPatch
	}
	if f.IsZero() {
		return "", nil, ErrUnfiltered
	}
	var args sqlArgs
	sets := make([]string, 0, len(patch))
	for _, k := range sortedKeys(patch) {
		c, err := ident(k)
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, c+" = "+args.add(patch[k]))
	}
	where, err := buildWhere(f, &args)
	if err != nil {
		return "", nil, err
	}
	return "UPDATE " + t + " SET " + strings.Join(sets, ", ") + where, args, nil
}

func buildDelete(table string, f query.Filter) (string, sqlArgs, error) {
	t, err := ident(table)
	if err != nil {
		return "", nil, err
	}
	if f.IsZero() {
		return "", nil, ErrUnfiltered
	}
	var args sqlArgs
	where, err := buildWhere(f, &args)
	if err != nil {
		return "", nil, err
	}
	return "DELETE FROM " + t + where, args, nil
}
