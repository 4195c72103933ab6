package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOriginTriggerWarnings(t *testing.T) {
	warnings := originTriggerWarnings("users", []string{"trg_users_touch", "lhmt_ins_users"})
	require.Len(t, warnings, 3)
	assert.Contains(t, warnings[0], "1 existing triggers")
	assert.Equal(t, "trigger: trg_users_touch", warnings[1])
	assert.Contains(t, warnings[2], "lhmt_ins_users")
	assert.Contains(t, warnings[2], "cleanup --table users")
}

func TestOriginTriggerWarnings_Empty(t *testing.T) {
	assert.Empty(t, originTriggerWarnings("users", nil))
}
