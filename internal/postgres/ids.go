package postgres

import "github.com/google/uuid"

func newTransactionID() string {
	return uuid.New().String()
}
