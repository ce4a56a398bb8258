package eventsource

import "github.com/gofrs/uuid"

// idFunc is a global function that generates aggregate id's.
// It could be changed from the outside via the SetIDFunc function.
var idFunc = defaultID

// SetIDFunc is used to change how aggregate ID's are generated
// default is a v4 uuid
func SetIDFunc(f func() string) {
	idFunc = f
}

func defaultID() string {
	return uuid.Must(uuid.NewV4()).String()
}
