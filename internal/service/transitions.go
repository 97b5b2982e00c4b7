package service

import "mailqueue/contracts/db"

// allowedFrom lists, per target status, the statuses a conditional write may
// start from. processed may overwrite an earlier error so a redelivery can
// recover an item; error never overwrites processed.
var allowedFrom = map[db.Status][]db.Status{
	db.StatusProcessing: {db.StatusPending, db.StatusProcessing},
	db.StatusProcessed:  {db.StatusPending, db.StatusProcessing, db.StatusError, db.StatusProcessed},
	db.StatusError:      {db.StatusPending, db.StatusProcessing, db.StatusError},
	db.StatusCompleted: {
		db.StatusPending, db.StatusProcessing, db.StatusProcessed, db.StatusError, db.StatusCompleted,
	},
	db.StatusCleared: db.AllStatuses,
}

// CanTransition reports whether an item in from may move to to.
func CanTransition(from, to db.Status) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// AllowedFrom returns a copy of the allowed source statuses for to.
func AllowedFrom(to db.Status) []db.Status {
	return append([]db.Status(nil), allowedFrom[to]...)
}
