package db

import (
	"fmt"
	"strings"
)

// Filter represents a single record listing condition.
type Filter interface {
	// SQL returns the SQL fragment for this filter
	SQL() string

	// Args returns the arguments for this filter
	Args() []interface{}

	// Valid checks if the filter is valid
	Valid() bool
}

// OwnerFilter restricts records to one owner.
type OwnerFilter struct {
	OwnerID string
}

// Valid checks the owner is set.
func (f *OwnerFilter) Valid() bool { return f.OwnerID != "" }

// SQL returns the SQL fragment for owner filtering.
func (f *OwnerFilter) SQL() string { return "user_id = ?" }

// Args returns the arguments for owner filtering.
func (f *OwnerFilter) Args() []interface{} { return []interface{}{f.OwnerID} }

// DeletedFilter selects soft-deleted or live records.
type DeletedFilter struct {
	Deleted bool
}

// Valid always holds.
func (f *DeletedFilter) Valid() bool { return true }

// SQL returns the SQL fragment for soft-delete filtering.
func (f *DeletedFilter) SQL() string { return "deleted = ?" }

// Args returns the arguments for soft-delete filtering.
func (f *DeletedFilter) Args() []interface{} { return []interface{}{f.Deleted} }

// PendingFilter selects records with or without a pending local write.
type PendingFilter struct {
	Pending bool
}

// Valid always holds.
func (f *PendingFilter) Valid() bool { return true }

// SQL returns the SQL fragment for pending filtering.
func (f *PendingFilter) SQL() string { return "pending_local_write = ?" }

// Args returns the arguments for pending filtering.
func (f *PendingFilter) Args() []interface{} { return []interface{}{f.Pending} }

// UpdatedSinceFilter selects records updated at or after Since (unix ms).
type UpdatedSinceFilter struct {
	Since int64
}

// Valid checks the boundary is set.
func (f *UpdatedSinceFilter) Valid() bool { return f.Since > 0 }

// SQL returns the SQL fragment for update time filtering.
func (f *UpdatedSinceFilter) SQL() string { return "updated_at >= ?" }

// Args returns the arguments for update time filtering.
func (f *UpdatedSinceFilter) Args() []interface{} { return []interface{}{f.Since} }

// BuildWhere joins filters into a WHERE clause. An empty filter list yields
// an empty clause.
func BuildWhere(filters ...Filter) (string, []interface{}, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(filters))
	var args []interface{}
	for _, f := range filters {
		if !f.Valid() {
			return "", nil, fmt.Errorf("invalid filter %T", f)
		}
		parts = append(parts, f.SQL())
		args = append(args, f.Args()...)
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}
