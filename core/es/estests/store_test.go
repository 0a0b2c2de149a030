package estests

import (
	"testing"

	"github.com/codewandler/evsrc/core/es"
)

func TestInMemoryStore(t *testing.T) {
	StoreSuite(t, func(t *testing.T) es.EventStore {
		return es.NewInMemoryStore()
	})
}
