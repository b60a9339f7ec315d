// Package graphqlclient is a typed client for the WinCC Unified GraphQL API:
// login/session extension, tag values, logged tag values, alarms, and browse.
package graphqlclient

import "time"

// Session is the credential the gateway holds for one PostgreSQL connection.
// It is owned by exactly one connection goroutine; there is no shared session
// map (§9 redesign guidance).
type Session struct {
	Token     string
	User      string
	ExpiresAt time.Time
}

// LoginResult is the response payload of the login mutation.
type LoginResult struct {
	Token           string
	ExpiresAt       time.Time
	Error           *GraphQLError
}

// GraphQLError models one entry of a GraphQL response's top-level "errors"
// array, including the WinCC Unified extensions.code field used to
// distinguish authentication failures from generic backend errors.
type GraphQLError struct {
	Message   string
	Code      string // "101", "102", "401" for auth failures; otherwise backend-specific
	Path      []string
}

// IsAuthError reports whether this error should invalidate the Session (§7).
func (e *GraphQLError) IsAuthError() bool {
	switch e.Code {
	case "101", "102", "401":
		return true
	default:
		return false
	}
}

// TagValue is one row returned by tagValues/loggedTagValues.
type TagValue struct {
	Name         string
	Timestamp    time.Time
	NumericValue *float64
	StringValue  *string
	Quality      string
}

// TagValuesFilter carries the arguments accepted by the tagValues query.
type TagValuesFilter struct {
	Names      []string
	DirectRead bool // always forwarded false; see SPEC_FULL.md §6
}

// LoggedTagValuesFilter carries the arguments accepted by loggedTagValues.
type LoggedTagValuesFilter struct {
	Names             []string
	StartTime         time.Time
	EndTime           time.Time
	MaxNumberOfValues int
	SortingMode       string // "TIME_ASC" or "TIME_DESC", derived from ORDER BY timestamp (§6)
}

// Alarm is one row returned by activeAlarms/loggedAlarms.
type Alarm struct {
	Name                string
	InstanceID          int64
	AlarmGroupID         int32
	RaiseTime           time.Time
	AcknowledgmentTime  *time.Time
	ClearTime           *time.Time
	ResetTime           *time.Time
	ModificationTime    *time.Time
	State               string
	Priority            int32
	EventText           string
	InfoText            string
	Origin              string
	Area                string
	Value               string
	HostName            string
	UserName            string
	Duration            *int64
}

// AlarmFilter carries the arguments accepted by activeAlarms/loggedAlarms.
type AlarmFilter struct {
	SystemNames    []string
	FilterString   string
	FilterLanguage string
	StartTime      time.Time // loggedAlarms only
	EndTime        time.Time // loggedAlarms only
}

// BrowseResult is one row returned by the browse query.
type BrowseResult struct {
	Name         string
	DisplayName  string
	ObjectType   string
	DataType     string
}

// BrowseFilter carries the arguments accepted by the browse query.
type BrowseFilter struct {
	NamePattern      string // SQL LIKE pattern translated to * / ? wildcards
	Language         string
	ObjectTypeFilter []string
}
