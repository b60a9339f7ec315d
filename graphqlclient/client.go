package graphqlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a minimal GraphQL-over-HTTP client for the WinCC Unified API.
// It carries no session state of its own; callers pass a bearer token per
// call, matching the per-connection Session ownership model (§9).
type Client struct {
	endpoint   string
	httpClient *http.Client
	maxRetries int
}

// New builds a Client against the given GraphQL endpoint URL.
func New(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: 3,
	}
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message    string   `json:"message"`
		Path       []string `json:"path"`
		Extensions struct {
			Code string `json:"code"`
		} `json:"extensions"`
	} `json:"errors"`
}

// do issues one GraphQL request, retrying transient network failures, and
// unmarshals the "data" field into out. bearer may be empty for login.
func (c *Client) do(ctx context.Context, bearer, query string, variables map[string]any, out any) *GraphQLError {
	body, err := json.Marshal(gqlRequest{Query: query, Variables: variables})
	if err != nil {
		return &GraphQLError{Message: fmt.Sprintf("encoding request: %v", err)}
	}

	var respBody []byte
	retryErr := retryWithBackoff(ctx, c.maxRetries, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("graphql backend returned status %d", resp.StatusCode)
		}
		return nil
	})
	if retryErr != nil {
		return &GraphQLError{Message: retryErr.Error()}
	}

	var gr gqlResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return &GraphQLError{Message: fmt.Sprintf("decoding response: %v", err)}
	}
	if len(gr.Errors) > 0 {
		e := gr.Errors[0]
		return &GraphQLError{Message: e.Message, Code: e.Extensions.Code, Path: e.Path}
	}
	if out != nil && len(gr.Data) > 0 {
		if err := json.Unmarshal(gr.Data, out); err != nil {
			return &GraphQLError{Message: fmt.Sprintf("decoding data: %v", err)}
		}
	}
	return nil
}

const loginMutation = `
mutation Login($username: String!, $password: String!) {
  login(username: $username, password: $password) {
    token
    expires
    error { code message }
  }
}`

// Login authenticates against the GraphQL backend and returns a Session.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, *GraphQLError) {
	var data struct {
		Login struct {
			Token   string `json:"token"`
			Expires string `json:"expires"`
			Error   *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		} `json:"login"`
	}
	if gerr := c.do(ctx, "", loginMutation, map[string]any{
		"username": username,
		"password": password,
	}, &data); gerr != nil {
		return nil, gerr
	}
	if data.Login.Error != nil {
		return nil, &GraphQLError{Code: data.Login.Error.Code, Message: data.Login.Error.Message}
	}
	expires, err := time.Parse(time.RFC3339, data.Login.Expires)
	if err != nil {
		expires = time.Now().Add(10 * time.Minute)
	}
	return &Session{Token: data.Login.Token, User: username, ExpiresAt: expires}, nil
}

const extendSessionMutation = `
mutation ExtendSession {
  extendSession {
    expires
    error { code message }
  }
}`

// ExtendSession renews the token's expiry, called periodically by the
// per-connection session-extension timer goroutine.
func (c *Client) ExtendSession(ctx context.Context, sess *Session) *GraphQLError {
	var data struct {
		ExtendSession struct {
			Expires string `json:"expires"`
			Error   *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		} `json:"extendSession"`
	}
	if gerr := c.do(ctx, sess.Token, extendSessionMutation, nil, &data); gerr != nil {
		return gerr
	}
	if data.ExtendSession.Error != nil {
		return &GraphQLError{Code: data.ExtendSession.Error.Code, Message: data.ExtendSession.Error.Message}
	}
	if expires, err := time.Parse(time.RFC3339, data.ExtendSession.Expires); err == nil {
		sess.ExpiresAt = expires
	}
	return nil
}

const tagValuesQuery = `
query TagValues($names: [String!]!, $directRead: Boolean!) {
  tagValues(names: $names, directRead: $directRead) {
    name
    value { value timestamp quality }
  }
}`

// TagValues fetches current values for the given tag names.
func (c *Client) TagValues(ctx context.Context, sess *Session, filter TagValuesFilter) ([]TagValue, *GraphQLError) {
	var data struct {
		TagValues []struct {
			Name  string `json:"name"`
			Value struct {
				Value     any    `json:"value"`
				Timestamp string `json:"timestamp"`
				Quality   string `json:"quality"`
			} `json:"value"`
		} `json:"tagValues"`
	}
	if gerr := c.do(ctx, sess.Token, tagValuesQuery, map[string]any{
		"names":      filter.Names,
		"directRead": false,
	}, &data); gerr != nil {
		return nil, gerr
	}
	out := make([]TagValue, 0, len(data.TagValues))
	for _, v := range data.TagValues {
		out = append(out, decodeTagValue(v.Name, v.Value.Value, v.Value.Timestamp, v.Value.Quality))
	}
	return out, nil
}

const loggedTagValuesQuery = `
query LoggedTagValues($names: [String!]!, $startTime: Timestamp!, $endTime: Timestamp!, $maxNumberOfValues: Int, $sortingMode: LoggedTagValuesSortingModeEnum) {
  loggedTagValues(names: $names, startTime: $startTime, endTime: $endTime, maxNumberOfValues: $maxNumberOfValues, sortingMode: $sortingMode) {
    loggingTagName
    values { value timestamp quality }
  }
}`

// LoggedTagValues fetches historical samples in a time window.
func (c *Client) LoggedTagValues(ctx context.Context, sess *Session, filter LoggedTagValuesFilter) ([]TagValue, *GraphQLError) {
	var data struct {
		LoggedTagValues []struct {
			LoggingTagName string `json:"loggingTagName"`
			Values         []struct {
				Value     any    `json:"value"`
				Timestamp string `json:"timestamp"`
				Quality   string `json:"quality"`
			} `json:"values"`
		} `json:"loggedTagValues"`
	}
	if gerr := c.do(ctx, sess.Token, loggedTagValuesQuery, map[string]any{
		"names":             filter.Names,
		"startTime":         filter.StartTime.UTC().Format(time.RFC3339Nano),
		"endTime":           filter.EndTime.UTC().Format(time.RFC3339Nano),
		"maxNumberOfValues": filter.MaxNumberOfValues,
		"sortingMode":       filter.SortingMode,
	}, &data); gerr != nil {
		return nil, gerr
	}
	var out []TagValue
	for _, series := range data.LoggedTagValues {
		for _, v := range series.Values {
			out = append(out, decodeTagValue(series.LoggingTagName, v.Value, v.Timestamp, v.Quality))
		}
	}
	return out, nil
}

func decodeTagValue(name string, rawValue any, timestamp, quality string) TagValue {
	tv := TagValue{Name: name, Quality: quality}
	if ts, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
		tv.Timestamp = ts
	}
	switch v := rawValue.(type) {
	case float64:
		tv.NumericValue = &v
	case string:
		tv.StringValue = &v
	case bool:
		f := 0.0
		if v {
			f = 1.0
		}
		tv.NumericValue = &f
	}
	return tv
}

const activeAlarmsQuery = `
query ActiveAlarms($systemNames: [String!], $filterString: String, $filterLanguage: String) {
  activeAlarms(systemNames: $systemNames, filterString: $filterString, languages: [$filterLanguage]) {
    name instanceId alarmGroupId raiseTime acknowledgmentTime clearTime resetTime modificationTime
    state priority eventText infoText origin area value hostName userName
  }
}`

// ActiveAlarms fetches currently active alarms matching the given filter.
func (c *Client) ActiveAlarms(ctx context.Context, sess *Session, filter AlarmFilter) ([]Alarm, *GraphQLError) {
	var data struct {
		ActiveAlarms []alarmDTO `json:"activeAlarms"`
	}
	if gerr := c.do(ctx, sess.Token, activeAlarmsQuery, map[string]any{
		"systemNames":    filter.SystemNames,
		"filterString":   filter.FilterString,
		"filterLanguage": filter.FilterLanguage,
	}, &data); gerr != nil {
		return nil, gerr
	}
	out := make([]Alarm, 0, len(data.ActiveAlarms))
	for _, a := range data.ActiveAlarms {
		out = append(out, a.toAlarm())
	}
	return out, nil
}

const loggedAlarmsQuery = `
query LoggedAlarms($systemNames: [String!], $filterString: String, $filterLanguage: String, $startTime: Timestamp!, $endTime: Timestamp!) {
  loggedAlarms(systemNames: $systemNames, filterString: $filterString, languages: [$filterLanguage], startTime: $startTime, endTime: $endTime) {
    name instanceId alarmGroupId raiseTime acknowledgmentTime clearTime resetTime modificationTime
    state priority eventText infoText origin area value hostName userName duration
  }
}`

// LoggedAlarms fetches historical alarm events in a time window.
func (c *Client) LoggedAlarms(ctx context.Context, sess *Session, filter AlarmFilter) ([]Alarm, *GraphQLError) {
	var data struct {
		LoggedAlarms []alarmDTO `json:"loggedAlarms"`
	}
	if gerr := c.do(ctx, sess.Token, loggedAlarmsQuery, map[string]any{
		"systemNames":    filter.SystemNames,
		"filterString":   filter.FilterString,
		"filterLanguage": filter.FilterLanguage,
		"startTime":      filter.StartTime.UTC().Format(time.RFC3339Nano),
		"endTime":        filter.EndTime.UTC().Format(time.RFC3339Nano),
	}, &data); gerr != nil {
		return nil, gerr
	}
	out := make([]Alarm, 0, len(data.LoggedAlarms))
	for _, a := range data.LoggedAlarms {
		out = append(out, a.toAlarm())
	}
	return out, nil
}

type alarmDTO struct {
	Name               string `json:"name"`
	InstanceID         int64  `json:"instanceId"`
	AlarmGroupID       int32  `json:"alarmGroupId"`
	RaiseTime          string `json:"raiseTime"`
	AcknowledgmentTime string `json:"acknowledgmentTime"`
	ClearTime          string `json:"clearTime"`
	ResetTime          string `json:"resetTime"`
	ModificationTime   string `json:"modificationTime"`
	State              string `json:"state"`
	Priority           int32  `json:"priority"`
	EventText          string `json:"eventText"`
	InfoText           string `json:"infoText"`
	Origin             string `json:"origin"`
	Area               string `json:"area"`
	Value              string `json:"value"`
	HostName           string `json:"hostName"`
	UserName           string `json:"userName"`
	Duration           *int64 `json:"duration"`
}

func parseOptionalTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func (a alarmDTO) toAlarm() Alarm {
	raise, _ := time.Parse(time.RFC3339Nano, a.RaiseTime)
	return Alarm{
		Name:               a.Name,
		InstanceID:         a.InstanceID,
		AlarmGroupID:       a.AlarmGroupID,
		RaiseTime:          raise,
		AcknowledgmentTime: parseOptionalTime(a.AcknowledgmentTime),
		ClearTime:          parseOptionalTime(a.ClearTime),
		ResetTime:          parseOptionalTime(a.ResetTime),
		ModificationTime:   parseOptionalTime(a.ModificationTime),
		State:              a.State,
		Priority:           a.Priority,
		EventText:          a.EventText,
		InfoText:           a.InfoText,
		Origin:             a.Origin,
		Area:               a.Area,
		Value:              a.Value,
		HostName:           a.HostName,
		UserName:           a.UserName,
		Duration:           a.Duration,
	}
}

const browseQuery = `
query Browse($namePattern: String!, $language: String, $objectTypeFilter: [ObjectType!]) {
  browse(nameFilters: [$namePattern], language: $language, objectTypeFilters: $objectTypeFilter) {
    name displayName objectType dataType
  }
}`

// Browse resolves the tag catalog for taglist queries.
func (c *Client) Browse(ctx context.Context, sess *Session, filter BrowseFilter) ([]BrowseResult, *GraphQLError) {
	var data struct {
		Browse []struct {
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
			ObjectType  string `json:"objectType"`
			DataType    string `json:"dataType"`
		} `json:"browse"`
	}
	if gerr := c.do(ctx, sess.Token, browseQuery, map[string]any{
		"namePattern":      filter.NamePattern,
		"language":         filter.Language,
		"objectTypeFilter": filter.ObjectTypeFilter,
	}, &data); gerr != nil {
		return nil, gerr
	}
	out := make([]BrowseResult, 0, len(data.Browse))
	for _, b := range data.Browse {
		out = append(out, BrowseResult{Name: b.Name, DisplayName: b.DisplayName, ObjectType: b.ObjectType, DataType: b.DataType})
	}
	return out, nil
}
