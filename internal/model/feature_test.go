package model

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rudiheydra/autobuildr/internal/apperr"
)

func TestFeature_Validate_RequiresNameCategoryDescription(t *testing.T) {
	f := &Feature{}
	err := f.Validate()
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	f.Name = "x"
	assert.True(t, apperr.Is(f.Validate(), apperr.KindValidation))

	f.Category = "backend"
	assert.True(t, apperr.Is(f.Validate(), apperr.KindValidation))

	f.Description = "does a thing"
	assert.NoError(t, f.Validate())
}

func TestFeature_HasSelfReference(t *testing.T) {
	f := &Feature{ID: 3, Dependencies: []int{1, 2}}
	assert.False(t, f.HasSelfReference())

	f.Dependencies = append(f.Dependencies, 3)
	assert.True(t, f.HasSelfReference())
}

func TestSchedule_IsActiveOnDay_MatchesBitfield(t *testing.T) {
	s := &Schedule{DaysOfWeek: 1<<0 | 1<<2} // Monday and Wednesday
	assert.True(t, s.IsActiveOnDay(0))
	assert.False(t, s.IsActiveOnDay(1))
	assert.True(t, s.IsActiveOnDay(2))
	assert.False(t, s.IsActiveOnDay(6))
}
