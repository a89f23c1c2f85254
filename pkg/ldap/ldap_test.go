// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ldap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := (&Config{URL: "ldaps://ldap.example.com"}).withDefaults()
	assert.Equal(t, "uid", cfg.UserSearchAttr)
	assert.Equal(t, "posixGroup", cfg.GroupObjectClass)
	assert.Equal(t, "member", cfg.GroupMemberAttr)

	cfg = (&Config{
		URL:              "ldaps://ldap.example.com",
		UserSearchAttr:   "sAMAccountName",
		GroupObjectClass: "groupOfNames",
		GroupMemberAttr:  "uniqueMember",
	}).withDefaults()
	assert.Equal(t, "sAMAccountName", cfg.UserSearchAttr)
	assert.Equal(t, "groupOfNames", cfg.GroupObjectClass)
	assert.Equal(t, "uniqueMember", cfg.GroupMemberAttr)
}

func TestGroupNameValidation(t *testing.T) {
	t.Parallel()

	valid := []string{"g_special_users", "admins", "Team-1", "a.b.c"}
	for _, name := range valid {
		assert.True(t, groupNameRegex.MatchString(name), name)
	}
	invalid := []string{"", "1group", "_hidden", "bad name", "-lead"}
	for _, name := range invalid {
		assert.False(t, groupNameRegex.MatchString(name), name)
	}
}
