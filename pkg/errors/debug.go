package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const maxChainDepth = 8

// ErrorDump flattens an error chain for structured logs.
type ErrorDump struct {
	TopMessage string
	Code       Code
	Reason     Reason
	Chain      []string

	PGCode       string
	PGConstraint string
	PGTable      string
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}

	d := ErrorDump{TopMessage: err.Error()}
	if te := As(err); te != nil {
		d.Code = te.Code()
		d.Reason = te.Reason()
	}

	for e := err; e != nil && len(d.Chain) < maxChainDepth; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T", e))
	}

	var pgxErr *pgconn.PgError
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pgxErr):
		d.PGCode, d.PGConstraint, d.PGTable = pgxErr.Code, pgxErr.ConstraintName, pgxErr.TableName
	case errors.As(err, &pqErr):
		d.PGCode, d.PGConstraint, d.PGTable = string(pqErr.Code), pqErr.Constraint, pqErr.Table
	}
	return d
}

// Fields returns the non-empty parts of d keyed for the logger.
func (d ErrorDump) Fields() map[string]any {
	fields := map[string]any{}
	if d.TopMessage != "" {
		fields["error"] = d.TopMessage
	}
	if d.Code != "" {
		fields["error_code"] = string(d.Code)
	}
	if d.Reason != "" {
		fields["error_reason"] = string(d.Reason)
	}
	if len(d.Chain) > 0 {
		fields["error_chain"] = d.Chain
	}
	if d.PGCode != "" {
		fields["pg_code"] = d.PGCode
		fields["pg_constraint"] = d.PGConstraint
		fields["pg_table"] = d.PGTable
	}
	return fields
}
