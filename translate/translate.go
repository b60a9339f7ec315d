// Package translate turns an analyzed QueryPlan into the GraphQL calls
// needed to satisfy it, and describes any post-filtering the backend could
// not apply itself.
package translate

import (
	"context"
	"time"

	"github.com/vogler75/winccua-pgwire-interface/analyzer"
	"github.com/vogler75/winccua-pgwire-interface/catalog"
	"github.com/vogler75/winccua-pgwire-interface/graphqlclient"
	"github.com/vogler75/winccua-pgwire-interface/sqlerrors"
)

// PostFilter is one predicate the loader must re-apply row-by-row because
// the GraphQL backend has no equivalent server-side filter for it (§4.D
// validation rules, §8 Testable Property 6).
type PostFilter struct {
	Column string
	Op     analyzer.CompareOp
	Value  string
	Values []string
}

// Plan is what the translator hands to the loader: which GraphQL operation
// to call, with what arguments, plus leftover predicates to filter locally.
type Plan struct {
	Table       string
	PostFilters []PostFilter
	Fetch       func(ctx context.Context) (rows any, err error)
}

// defaultMaxLoggedValues bounds loggedTagValues fetches absent an explicit
// LIMIT, matching the original's conservative default (original_source
// query_handler defaults to a bounded page rather than an unbounded scan).
const defaultMaxLoggedValues = 10000

// Build assembles a Plan for a KindVirtualTableSelect QueryPlan.
func Build(client *graphqlclient.Client, sess *graphqlclient.Session, plan *analyzer.QueryPlan) (*Plan, error) {
	table, ok := catalog.Lookup(plan.Table)
	if !ok {
		return nil, sqlerrors.UnsupportedTable("unknown virtual table %q", plan.Table).
			WithHint("available tables: " + joinNames(catalog.Names()))
	}

	switch table.Name {
	case catalog.TagValues:
		return buildTagValues(client, sess, plan)
	case catalog.LoggedTagValues:
		return buildLoggedTagValues(client, sess, plan)
	case catalog.ActiveAlarms:
		return buildActiveAlarms(client, sess, plan)
	case catalog.LoggedAlarms:
		return buildLoggedAlarms(client, sess, plan)
	case catalog.TagList:
		return buildTagList(client, sess, plan)
	default:
		return nil, sqlerrors.Internal(nil, "unhandled virtual table %q", table.Name)
	}
}

func buildTagValues(client *graphqlclient.Client, sess *graphqlclient.Session, plan *analyzer.QueryPlan) (*Plan, error) {
	names, post, err := requireNameFilter(plan, "tag_name")
	if err != nil {
		return nil, err
	}
	return &Plan{
		Table:       catalog.TagValues,
		PostFilters: post,
		Fetch: func(ctx context.Context) (any, error) {
			rows, gerr := client.TagValues(ctx, sess, graphqlclient.TagValuesFilter{Names: names})
			if gerr != nil {
				return nil, mapGraphQLError(gerr)
			}
			return rows, nil
		},
	}, nil
}

func buildLoggedTagValues(client *graphqlclient.Client, sess *graphqlclient.Session, plan *analyzer.QueryPlan) (*Plan, error) {
	names, post, err := requireNameFilter(plan, "tag_name")
	if err != nil {
		return nil, err
	}
	start, end, ok := timeWindow(plan)
	if !ok {
		return nil, sqlerrors.FilterMissing(
			"loggedtagvalues requires a timestamp BETWEEN/>= and </<= predicate").
			WithHint("add: WHERE timestamp >= ... AND timestamp < ...")
	}
	maxValues := defaultMaxLoggedValues
	if plan.Limit > 0 {
		maxValues = int(plan.Limit)
	}
	sortingMode := sortingModeOf(plan, "timestamp")
	return &Plan{
		Table:       catalog.LoggedTagValues,
		PostFilters: post,
		Fetch: func(ctx context.Context) (any, error) {
			rows, gerr := client.LoggedTagValues(ctx, sess, graphqlclient.LoggedTagValuesFilter{
				Names:             names,
				StartTime:         start,
				EndTime:           end,
				MaxNumberOfValues: maxValues,
				SortingMode:       sortingMode,
			})
			if gerr != nil {
				return nil, mapGraphQLError(gerr)
			}
			return rows, nil
		},
	}, nil
}

func buildActiveAlarms(client *graphqlclient.Client, sess *graphqlclient.Session, plan *analyzer.QueryPlan) (*Plan, error) {
	filter, post := alarmFilter(plan)
	return &Plan{
		Table:       catalog.ActiveAlarms,
		PostFilters: post,
		Fetch: func(ctx context.Context) (any, error) {
			rows, gerr := client.ActiveAlarms(ctx, sess, filter)
			if gerr != nil {
				return nil, mapGraphQLError(gerr)
			}
			return rows, nil
		},
	}, nil
}

func buildLoggedAlarms(client *graphqlclient.Client, sess *graphqlclient.Session, plan *analyzer.QueryPlan) (*Plan, error) {
	filter, post := alarmFilter(plan)
	start, end, ok := timeWindow(plan)
	if !ok {
		return nil, sqlerrors.FilterMissing(
			"loggedalarms requires a raise_time BETWEEN/>= and </<= predicate").
			WithHint("add: WHERE raise_time >= ... AND raise_time < ...")
	}
	filter.StartTime = start
	filter.EndTime = end
	return &Plan{
		Table:       catalog.LoggedAlarms,
		PostFilters: post,
		Fetch: func(ctx context.Context) (any, error) {
			rows, gerr := client.LoggedAlarms(ctx, sess, filter)
			if gerr != nil {
				return nil, mapGraphQLError(gerr)
			}
			return rows, nil
		},
	}, nil
}

func buildTagList(client *graphqlclient.Client, sess *graphqlclient.Session, plan *analyzer.QueryPlan) (*Plan, error) {
	pattern := "*"
	var post []PostFilter
	if pred, ok := plan.RequiredColumn("tag_name"); ok {
		switch pred.Op {
		case analyzer.OpEqual:
			pattern = pred.Value
		case analyzer.OpLike:
			pattern = analyzer.LikeToBrowseWildcard(pred.Value)
			post = append(post, PostFilter{Column: pred.Column, Op: pred.Op, Value: pred.Value})
		default:
			post = append(post, PostFilter{Column: pred.Column, Op: pred.Op, Value: pred.Value, Values: pred.Values})
		}
	}
	return &Plan{
		Table:       catalog.TagList,
		PostFilters: post,
		Fetch: func(ctx context.Context) (any, error) {
			rows, gerr := client.Browse(ctx, sess, graphqlclient.BrowseFilter{NamePattern: pattern})
			if gerr != nil {
				return nil, mapGraphQLError(gerr)
			}
			return rows, nil
		},
	}, nil
}

// requireNameFilter extracts an equality/IN/LIKE predicate on nameColumn
// into the list of GraphQL browse names, per §4.D: tagvalues/loggedtagvalues
// require an explicit name predicate; there is no "select all tags" fetch.
func requireNameFilter(plan *analyzer.QueryPlan, nameColumn string) ([]string, []PostFilter, error) {
	pred, ok := plan.RequiredColumn(nameColumn)
	if !ok {
		return nil, nil, sqlerrors.FilterMissing(
			"%s requires a %s predicate (=, IN, or LIKE)", plan.Table, nameColumn).
			WithHint("add: WHERE " + nameColumn + " = '...' or IN (...)")
	}

	var post []PostFilter
	var names []string
	switch pred.Op {
	case analyzer.OpEqual:
		names = []string{pred.Value}
	case analyzer.OpIn:
		names = pred.Values
	case analyzer.OpLike:
		names = []string{analyzer.LikeToBrowseWildcard(pred.Value)}
		post = append(post, PostFilter{Column: pred.Column, Op: pred.Op, Value: pred.Value})
	default:
		return nil, nil, sqlerrors.FilterMissing(
			"%s requires an equality, IN, or LIKE predicate on %s", plan.Table, nameColumn)
	}

	for _, p := range plan.Predicates {
		if p.Column == nameColumn {
			continue
		}
		post = append(post, PostFilter{Column: p.Column, Op: p.Op, Value: p.Value, Values: p.Values})
	}
	return names, post, nil
}

func alarmFilter(plan *analyzer.QueryPlan) (graphqlclient.AlarmFilter, []PostFilter) {
	var filter graphqlclient.AlarmFilter
	var post []PostFilter
	for _, p := range plan.Predicates {
		switch p.Column {
		case "system_name":
			switch p.Op {
			case analyzer.OpIn:
				filter.SystemNames = append(filter.SystemNames, p.Values...)
			default:
				filter.SystemNames = append(filter.SystemNames, p.Value)
			}
		case "filterstring":
			filter.FilterString = p.Value
		case "filter_language":
			filter.FilterLanguage = p.Value
		case "raise_time", "modification_time":
			// consumed by timeWindow for loggedalarms; ignored here for
			// activealarms since it has no server-side time filter.
		default:
			post = append(post, PostFilter{Column: p.Column, Op: p.Op, Value: p.Value, Values: p.Values})
		}
	}
	return filter, post
}

// timeWindow finds a [start, end) pair from >=/< (or <=) predicates on the
// window column: timestamp for tag history, and for alarm history
// modification_time when present, else raise_time — matching the original
// implementation's logged-alarm handler, which prioritizes a
// modification_time filter over the plain raise-time one. A missing upper
// bound defaults to the server clock.
func timeWindow(plan *analyzer.QueryPlan) (time.Time, time.Time, bool) {
	if start, end, ok := scanTimeWindow(plan, "modification_time"); ok {
		return start, end, true
	}
	if start, end, ok := scanTimeWindow(plan, "timestamp"); ok {
		return start, end, true
	}
	return scanTimeWindow(plan, "raise_time")
}

func scanTimeWindow(plan *analyzer.QueryPlan, column string) (time.Time, time.Time, bool) {
	var start, end time.Time
	haveStart, haveEnd := false, false
	for _, p := range plan.Predicates {
		if p.Column != column {
			continue
		}
		t, err := time.Parse("2006-01-02 15:04:05.999999999", p.Value)
		if err != nil {
			t, err = time.Parse(time.RFC3339, p.Value)
			if err != nil {
				continue
			}
		}
		switch p.Op {
		case analyzer.OpGreaterOrEqual, analyzer.OpGreaterThan:
			start, haveStart = t, true
		case analyzer.OpLessThan, analyzer.OpLessOrEqual:
			end, haveEnd = t, true
		}
	}
	if haveStart && !haveEnd {
		end, haveEnd = time.Now().UTC(), true
	}
	return start, end, haveStart && haveEnd
}

// sortingModeOf derives loggedTagValues' sortingMode argument from an
// ORDER BY on column, defaulting to ascending when the query names no
// order at all (§6).
func sortingModeOf(plan *analyzer.QueryPlan, column string) string {
	for _, ob := range plan.OrderBy {
		if ob.Column != column {
			continue
		}
		if ob.Descending {
			return "TIME_DESC"
		}
		return "TIME_ASC"
	}
	return "TIME_ASC"
}

func mapGraphQLError(gerr *graphqlclient.GraphQLError) error {
	if gerr.IsAuthError() {
		return sqlerrors.Auth("graphql backend rejected session: %s", gerr.Message).AsFatal()
	}
	return sqlerrors.Backend(nil, "graphql backend error: %s", gerr.Message)
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
