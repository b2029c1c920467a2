package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

// listQuery appends WHERE filters, ordering and paging with positional
// placeholders.
type listQuery struct {
	sb   strings.Builder
	args []any
}

func newListQuery(base string) *listQuery {
	q := &listQuery{}
	q.sb.WriteString(base)
	q.sb.WriteString(" WHERE 1=1")
	return q
}

func (q *listQuery) where(cond string, arg any) {
	q.args = append(q.args, arg)
	q.sb.WriteString(" AND ")
	q.sb.WriteString(fmt.Sprintf(cond, len(q.args)))
}

// window applies Since/Until on column, then orders newest first and pages.
func (q *listQuery) window(column string, opts domain.ListOpts) {
	if opts.Since != nil {
		q.where(column+" >= $%d", *opts.Since)
	}
	if opts.Until != nil {
		q.where(column+" <= $%d", *opts.Until)
	}
	q.sb.WriteString(" ORDER BY " + column + " DESC")
	if opts.Limit > 0 {
		q.args = append(q.args, opts.Limit)
		q.sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(q.args)))
	}
	if opts.Offset > 0 {
		q.args = append(q.args, opts.Offset)
		q.sb.WriteString(fmt.Sprintf(" OFFSET $%d", len(q.args)))
	}
}

func (q *listQuery) String() string {
	return q.sb.String()
}
