package pgwire

// MsgType represents a PostgreSQL wire protocol message type byte.
type MsgType byte

// MsgLookup is a lookup table from MsgType to T.
// It uses [256]T so that indexing by a byte is always in-bounds, which lets
// the compiler drop the bounds check.
type MsgLookup[T any] [256]T

// Get returns the value for the given message type.
func (t *MsgLookup[T]) Get(m MsgType) T {
	return t[m]
}

// Client (frontend) message types
const (
	MsgClientBind      MsgType = 'B'
	MsgClientClose     MsgType = 'C'
	MsgClientCopyData  MsgType = 'd'
	MsgClientCopyDone  MsgType = 'c'
	MsgClientCopyFail  MsgType = 'f'
	MsgClientDescribe  MsgType = 'D'
	MsgClientExecute   MsgType = 'E'
	MsgClientFlush     MsgType = 'H'
	MsgClientFunc      MsgType = 'F'
	MsgClientParse     MsgType = 'P'
	MsgClientPassword  MsgType = 'p' // Also SASL responses
	MsgClientQuery     MsgType = 'Q'
	MsgClientSync      MsgType = 'S'
	MsgClientTerminate MsgType = 'X'
)

// Server (backend) message types
const (
	MsgServerAuth                 MsgType = 'R'
	MsgServerBackendKeyData       MsgType = 'K'
	MsgServerBindComplete         MsgType = '2'
	MsgServerCloseComplete        MsgType = '3'
	MsgServerCommandComplete      MsgType = 'C'
	MsgServerCopyBothResponse     MsgType = 'W'
	MsgServerCopyData             MsgType = 'd'
	MsgServerCopyDone             MsgType = 'c'
	MsgServerCopyInResponse       MsgType = 'G'
	MsgServerCopyOutResponse      MsgType = 'H'
	MsgServerDataRow              MsgType = 'D'
	MsgServerEmptyQueryResponse   MsgType = 'I'
	MsgServerErrorResponse        MsgType = 'E'
	MsgServerFuncCallResponse     MsgType = 'V'
	MsgServerNoData               MsgType = 'n'
	MsgServerNoticeResponse       MsgType = 'N'
	MsgServerNotificationResponse MsgType = 'A'
	MsgServerParameterDescription MsgType = 't'
	MsgServerParameterStatus      MsgType = 'S'
	MsgServerParseComplete        MsgType = '1'
	MsgServerPortalSuspended      MsgType = 's'
	MsgServerReadyForQuery        MsgType = 'Z'
	MsgServerRowDescription       MsgType = 'T'
)

// Untyped first-frame request codes (the startup frame has no type byte).
const (
	ProtocolVersion   = 196608   // 0x00030000
	SSLRequestCode    = 80877103 // answered 'S' or 'N'
	CancelRequestCode = 80877102 // followed by (pid, secret)
	GSSEncRequestCode = 80877104 // always answered 'N'
)

// Extended-protocol object kinds used by Describe and Close.
const (
	ObjectTypePreparedStatement = 'S'
	ObjectTypePortal            = 'P'
)

// MsgIsExtendedQuery marks client messages that belong to an extended-query
// pipeline and are buffered until Sync or Flush.
var MsgIsExtendedQuery = MsgLookup[bool]{
	'B': true, // Bind
	'C': true, // Close
	'D': true, // Describe
	'E': true, // Execute
	'P': true, // Parse
	'F': true, // FunctionCall
}

// MsgIsCopy marks client messages valid only inside a COPY subprotocol.
var MsgIsCopy = MsgLookup[bool]{
	'd': true, // CopyData
	'c': true, // CopyDone
	'f': true, // CopyFail
}

// MsgName returns a human-readable name for logging.
var MsgName = MsgLookup[string]{
	'B': "Bind",
	'c': "CopyDone",
	'd': "CopyData",
	'f': "CopyFail",
	'F': "FunctionCall",
	'H': "Flush/CopyOutResponse",
	'P': "Parse",
	'p': "PasswordMessage",
	'Q': "Query",
	'X': "Terminate",

	'C': "Close/CommandComplete",
	'D': "Describe/DataRow",
	'E': "Execute/ErrorResponse",
	'S': "Sync/ParameterStatus",

	'1': "ParseComplete",
	'2': "BindComplete",
	'3': "CloseComplete",
	'A': "NotificationResponse",
	'G': "CopyInResponse",
	'I': "EmptyQueryResponse",
	'K': "BackendKeyData",
	'n': "NoData",
	'N': "NoticeResponse",
	'R': "Authentication",
	's': "PortalSuspended",
	't': "ParameterDescription",
	'T': "RowDescription",
	'V': "FunctionCallResponse",
	'W': "CopyBothResponse",
	'Z': "ReadyForQuery",
}
