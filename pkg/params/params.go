// Package params tracks the ParameterStatus values a PostgreSQL session
// advertises to its client, and computes the diffs the pooler must replay
// when a client is handed a backend with different settings.
package params

// https://www.postgresql.org/docs/current/protocol-flow.html#PROTOCOL-ASYNC
//
// ParameterStatus messages will be generated whenever the active value changes
// for any of the parameters the backend believes the frontend should know
// about, most commonly in response to a SET executed by the frontend.
type ParameterStatuses map[string]string

// The hard-wired set of parameters for which the server generates
// ParameterStatus.
const (
	ParamUser                       = "user"
	ParamDatabase                   = "database"
	ParamApplicationName            = "application_name"
	ParamClientEncoding             = "client_encoding"
	ParamSearchPath                 = "search_path"
	ParamDateStyle                  = "DateStyle"
	ParamServerEncoding             = "server_encoding"
	ParamDefaultTransactionReadOnly = "default_transaction_read_only"
	ParamServerVersion              = "server_version"
	ParamInHotStandby               = "in_hot_standby"
	ParamSessionAuthorization       = "session_authorization"
	ParamIntegerDatetimes           = "integer_datetimes"
	ParamStandardConformingStrings  = "standard_conforming_strings"
	ParamIntervalStyle              = "IntervalStyle"
	ParamTimeZone                   = "TimeZone"
	ParamIsSuperuser                = "is_superuser"
)

// BaseTrackedParameters are the parameters synchronized between a client's
// view and the backend it is currently bound to.
var BaseTrackedParameters = []string{
	ParamApplicationName,
	ParamClientEncoding,
	ParamSearchPath,
	ParamDateStyle,
	ParamServerEncoding,
	ParamDefaultTransactionReadOnly,
	ParamServerVersion,
	ParamInHotStandby,
	ParamSessionAuthorization,
	ParamIntegerDatetimes,
	ParamStandardConformingStrings,
	ParamIntervalStyle,
	ParamTimeZone,
	ParamIsSuperuser,
}

// BaseParameterStatuses is the template advertised to a freshly authenticated
// client before it has ever been assigned a backend.
var BaseParameterStatuses = ParameterStatuses{
	ParamServerVersion:             "16.4 (pg_doorman)",
	ParamServerEncoding:            "UTF8",
	ParamClientEncoding:            "UTF8",
	ParamDateStyle:                 "ISO, MDY",
	ParamIntegerDatetimes:          "on",
	ParamStandardConformingStrings: "on",
	ParamIntervalStyle:             "postgres",
	ParamTimeZone:                  "UTC",
}

// StartupOnly lists startup parameters that are connection metadata rather
// than run-time settings; they are never replayed as SET statements.
var StartupOnly = map[string]bool{
	ParamUser:     true,
	ParamDatabase: true,
	"options":     true,
	"replication": true,
}

// Clone returns a copy of the parameter map.
func (base ParameterStatuses) Clone() ParameterStatuses {
	out := make(ParameterStatuses, len(base))
	for k, v := range base {
		out[k] = v
	}
	return out
}

// ParameterStatusDiff maps parameter names to their new values; a nil value
// means the parameter is gone at the tip.
type ParameterStatusDiff map[string]*string

// DiffToTip computes the changes that transform base into tip.
func (base ParameterStatuses) DiffToTip(tip ParameterStatuses) ParameterStatusDiff {
	diff := ParameterStatusDiff{}

	// Items in tip that are different are upserted.
	for tipKey, tipValue := range tip {
		if baseValue, baseHas := base[tipKey]; !baseHas || baseValue != tipValue {
			diff[tipKey] = &tipValue
		}
	}

	// Items in base that are not in tip are deleted.
	for baseKey := range base {
		if _, tipHas := tip[baseKey]; !tipHas {
			diff[baseKey] = nil
		}
	}

	return diff
}
