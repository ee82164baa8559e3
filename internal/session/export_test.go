package session

import (
	"context"

	"golang.org/x/net/html"
)

// Rescan runs region discovery on n again, as a duplicate mutation report
// would.
func (m *Manager) Rescan(n *html.Node) {
	m.createSpeeches(context.Background(), n)
}
