package pg

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// generateUpdateQueryById builds an UPDATE ... SET ... WHERE id=$N query
// with positional args from a column->value map. Every call site in
// store.go already has its columns in hand at the call, so this stays a
// map-only helper rather than the teacher's reflection-over-struct
// version: there is no second caller shape to support here.
func generateUpdateQueryById(table string, id any, values map[string]any) (string, []any, error) {
	if len(values) == 0 {
		return "", nil, fmt.Errorf("queue/pg: no fields to update")
	}

	setParts := make([]string, 0, len(values))
	args := make([]any, 0, len(values)+1)
	i := 1
	for col, v := range values {
		setParts = append(setParts, fmt.Sprintf(`%s = $%d`, pgx.Identifier{col}.Sanitize(), i))
		args = append(args, v)
		i++
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE "id" = $%d`,
		pgx.Identifier{table}.Sanitize(),
		strings.Join(setParts, ", "),
		i,
	)
	return query, args, nil
}
