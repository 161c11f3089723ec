package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsPairOf(t *testing.T) {
	entered := time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)
	window := time.Minute

	ce := &Trade{Model: gorm.Model{ID: 1}, Strategy: "STRADDLE", EntryTimestamp: entered}
	pe := &Trade{Model: gorm.Model{ID: 2}, Strategy: "STRADDLE", EntryTimestamp: entered.Add(5 * time.Second)}

	assert.True(t, ce.IsPairOf(pe, window))
	assert.True(t, pe.IsPairOf(ce, window)) // symmetric

	// A trade is never its own pair.
	assert.False(t, ce.IsPairOf(ce, window))

	// Different strategy tag.
	other := &Trade{Model: gorm.Model{ID: 3}, Strategy: "SCALP", EntryTimestamp: entered}
	assert.False(t, ce.IsPairOf(other, window))

	// Entered outside the correlation window.
	late := &Trade{Model: gorm.Model{ID: 4}, Strategy: "STRADDLE", EntryTimestamp: entered.Add(2 * time.Minute)}
	assert.False(t, ce.IsPairOf(late, window))

	// Exactly on the window boundary still pairs.
	edge := &Trade{Model: gorm.Model{ID: 5}, Strategy: "STRADDLE", EntryTimestamp: entered.Add(window)}
	assert.True(t, ce.IsPairOf(edge, window))
}
