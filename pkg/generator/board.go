// Package generator produces simulated sensor boards and plausible indoor
// climate readings.
package generator

import (
	"fmt"
	"strings"

	"github.com/brianvoe/gofakeit/v7"
)

// Board is a simulated sensor board with a DHT11 attached.
type Board struct {
	Name       string `fake:"{firstname}"`
	Room       string `fake:"{randomstring:[kitchen,bedroom,hallway,bathroom,cellar,office,attic]}"`
	MacAddress string `fake:"{macaddress}"`
	Firmware   string `fake:"{appversion}"`
}

// NewBoard returns a board with a random name and room.
func NewBoard() (*Board, error) {
	var b Board
	if err := gofakeit.Struct(&b); err != nil {
		return nil, fmt.Errorf("failed to generate board: %w", err)
	}
	b.Name = "esp32-" + strings.ToLower(b.Name)
	return &b, nil
}
