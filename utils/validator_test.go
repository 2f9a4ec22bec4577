package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type contactInput struct {
	ID    string   `json:"id" validate:"required,max=4"`
	Email string   `json:"email" validate:"required,email"`
	Tags  []string `json:"tags" validate:"min=1"`
}

func TestValidateStructReportsWireNames(t *testing.T) {
	err := ValidateStruct(contactInput{ID: "too-long", Email: "nope"})
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, map[string]string{
		"id":    "must be at most 4 characters",
		"email": "must be a valid email",
		"tags":  "must be at least 1 items",
	}, verr.Fields)
	assert.Equal(t, "email must be a valid email, id must be at most 4 characters, tags must be at least 1 items", err.Error())

	assert.NoError(t, ValidateStruct(contactInput{ID: "c1", Email: "ada@example.com", Tags: []string{"x"}}))
}
