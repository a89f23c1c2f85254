// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ldap looks up user metadata and group membership from an LDAP
// directory. When configured, LDAP is authoritative for names, email
// addresses, and group membership, overriding whatever the upstream
// identity provider asserted.
package ldap

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/stacklok/authgate/pkg/gateerr"
	"github.com/stacklok/authgate/pkg/token"
)

// searchTimeout bounds every LDAP round trip.
const searchTimeout = 5 * time.Second

// groupNameRegex matches valid group names. Directory entries with other
// names are skipped rather than failing the whole lookup.
var groupNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)

// Config holds the LDAP connection and schema settings.
type Config struct {
	// URL is an ldap:// or ldaps:// URL.
	URL string `mapstructure:"url"`

	// BindDN and BindPassword are used for a simple bind before searching.
	// Leave empty for anonymous binds.
	BindDN       string `mapstructure:"bind_dn"`
	BindPassword string `mapstructure:"-"`

	// InsecureSkipVerify disables TLS certificate checks. Test use only.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`

	// UserBaseDN is the search base for user entries.
	UserBaseDN string `mapstructure:"user_base_dn"`

	// UserSearchAttr is the attribute holding the username (default uid).
	UserSearchAttr string `mapstructure:"user_search_attr"`

	// SubjectAttr is the attribute holding the upstream provider's opaque
	// subject. When set, the subject asserted at login is resolved to a
	// directory username before any other lookup.
	SubjectAttr string `mapstructure:"subject_attr"`

	// NameAttr, EmailAttr, UIDAttr, and GIDAttr are the user entry
	// attributes for display name, email, numeric UID, and primary GID.
	// Set an attribute empty to not query it.
	NameAttr  string `mapstructure:"name_attr"`
	EmailAttr string `mapstructure:"email_attr"`
	UIDAttr   string `mapstructure:"uid_attr"`
	GIDAttr   string `mapstructure:"gid_attr"`

	// GroupBaseDN is the search base for group entries.
	GroupBaseDN string `mapstructure:"group_base_dn"`

	// GroupObjectClass is the object class of group entries (default
	// posixGroup).
	GroupObjectClass string `mapstructure:"group_object_class"`

	// GroupMemberAttr is the attribute listing group members (default
	// member).
	GroupMemberAttr string `mapstructure:"group_member_attr"`

	// GroupSearchByDN searches for members by the user's full DN instead of
	// the bare username. The DN is built from UserSearchAttr and UserBaseDN.
	GroupSearchByDN bool `mapstructure:"group_search_by_dn"`

	// AddUserGroup synthesizes a user private group (named after the user,
	// GID equal to their UID) in addition to the directory groups.
	AddUserGroup bool `mapstructure:"add_user_group"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.UserSearchAttr == "" {
		out.UserSearchAttr = "uid"
	}
	if out.GroupObjectClass == "" {
		out.GroupObjectClass = "posixGroup"
	}
	if out.GroupMemberAttr == "" {
		out.GroupMemberAttr = "member"
	}
	return out
}

// UserData is the directory metadata for one user. Zero fields mean the
// attribute was not configured or not present.
type UserData struct {
	Name  string
	Email string
	UID   int
	GID   int
}

// Client queries the directory. Connections are dialed per call; lookups
// are cached a layer above, so connection churn is low.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an LDAP client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg.withDefaults(), logger: logger}
}

func (c *Client) connect() (*ldap.Conn, error) {
	conn, err := ldap.DialURL(c.cfg.URL,
		ldap.DialWithTLSConfig(&tls.Config{
			InsecureSkipVerify: c.cfg.InsecureSkipVerify, // #nosec G402
		}))
	if err != nil {
		return nil, gateerr.LDAP("Cannot connect to LDAP server", err)
	}
	conn.SetTimeout(searchTimeout)
	if c.cfg.BindDN != "" {
		if err := conn.Bind(c.cfg.BindDN, c.cfg.BindPassword); err != nil {
			_ = conn.Close()
			return nil, gateerr.LDAP("Cannot bind to LDAP server", err)
		}
	}
	return conn, nil
}

// ResolveUsername maps an upstream subject to the directory username by
// searching the configured subject attribute. Returns the subject
// unchanged when no subject attribute is configured, and "" when no
// directory entry carries the subject.
func (c *Client) ResolveUsername(sub string) (string, error) {
	if c.cfg.SubjectAttr == "" {
		return sub, nil
	}

	conn, err := c.connect()
	if err != nil {
		return "", err
	}
	defer conn.Close()

	filter := fmt.Sprintf("(%s=%s)",
		c.cfg.SubjectAttr, ldap.EscapeFilter(sub))
	req := ldap.NewSearchRequest(
		c.cfg.UserBaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1,
		int(searchTimeout.Seconds()), false,
		filter, []string{c.cfg.UserSearchAttr}, nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return "", gateerr.LDAP("Cannot query LDAP for username", err)
	}
	if len(res.Entries) == 0 {
		return "", nil
	}
	return res.Entries[0].GetAttributeValue(c.cfg.UserSearchAttr), nil
}

// GetData looks up the directory metadata for a username. A missing entry
// is not an error; it returns zero UserData.
func (c *Client) GetData(username string) (UserData, error) {
	var attrs []string
	for _, a := range []string{c.cfg.NameAttr, c.cfg.EmailAttr, c.cfg.UIDAttr, c.cfg.GIDAttr} {
		if a != "" {
			attrs = append(attrs, a)
		}
	}
	if len(attrs) == 0 {
		return UserData{}, nil
	}

	conn, err := c.connect()
	if err != nil {
		return UserData{}, err
	}
	defer conn.Close()

	filter := fmt.Sprintf("(%s=%s)",
		c.cfg.UserSearchAttr, ldap.EscapeFilter(username))
	req := ldap.NewSearchRequest(
		c.cfg.UserBaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1,
		int(searchTimeout.Seconds()), false,
		filter, attrs, nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return UserData{}, gateerr.LDAP("Cannot query LDAP for user data", err)
	}
	if len(res.Entries) == 0 {
		return UserData{}, nil
	}

	entry := res.Entries[0]
	data := UserData{
		Name:  attrValue(entry, c.cfg.NameAttr),
		Email: attrValue(entry, c.cfg.EmailAttr),
	}
	if v := attrValue(entry, c.cfg.UIDAttr); v != "" {
		data.UID, err = strconv.Atoi(v)
		if err != nil {
			return UserData{}, gateerr.LDAP(
				fmt.Sprintf("Invalid UID in LDAP entry for %s", username), err)
		}
	}
	if v := attrValue(entry, c.cfg.GIDAttr); v != "" {
		data.GID, err = strconv.Atoi(v)
		if err != nil {
			return UserData{}, gateerr.LDAP(
				fmt.Sprintf("Invalid GID in LDAP entry for %s", username), err)
		}
	}
	return data, nil
}

// GetGroups looks up a user's groups with their GIDs. Entries with invalid
// names or unparsable GIDs are skipped with a log message.
func (c *Client) GetGroups(username string) ([]token.Group, error) {
	entries, err := c.searchGroups(username, []string{"cn", "gidNumber"})
	if err != nil {
		return nil, err
	}
	var groups []token.Group
	for _, entry := range entries {
		name := entry.GetAttributeValue("cn")
		if !groupNameRegex.MatchString(name) {
			c.logger.Warn("ignoring group with invalid name",
				"group", name,
				"user", username,
			)
			continue
		}
		group := token.Group{Name: name}
		if v := entry.GetAttributeValue("gidNumber"); v != "" {
			gid, err := strconv.Atoi(v)
			if err != nil {
				c.logger.Warn("ignoring group with invalid GID",
					"group", name,
					"user", username,
					"error", err.Error(),
				)
				continue
			}
			group.ID = gid
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// GetGroupNames looks up only the names of a user's groups, skipping the
// gidNumber attribute. Used when group GIDs are not needed for the
// response.
func (c *Client) GetGroupNames(username string) ([]string, error) {
	entries, err := c.searchGroups(username, []string{"cn"})
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		name := entry.GetAttributeValue("cn")
		if !groupNameRegex.MatchString(name) {
			c.logger.Warn("ignoring group with invalid name",
				"group", name,
				"user", username,
			)
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func (c *Client) searchGroups(username string, attrs []string) ([]*ldap.Entry, error) {
	conn, err := c.connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	member := username
	if c.cfg.GroupSearchByDN {
		member = fmt.Sprintf("%s=%s,%s",
			c.cfg.UserSearchAttr, username, c.cfg.UserBaseDN)
	}
	filter := fmt.Sprintf("(&(objectClass=%s)(%s=%s))",
		ldap.EscapeFilter(c.cfg.GroupObjectClass),
		c.cfg.GroupMemberAttr,
		ldap.EscapeFilter(member),
	)
	req := ldap.NewSearchRequest(
		c.cfg.GroupBaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0,
		int(searchTimeout.Seconds()), false,
		filter, attrs, nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, gateerr.LDAP("Cannot query LDAP for group membership", err)
	}
	return res.Entries, nil
}

func attrValue(entry *ldap.Entry, attr string) string {
	if attr == "" {
		return ""
	}
	return entry.GetAttributeValue(attr)
}
