package captcha

// Error-code categories. Configuration problems page an operator; the rest
// stay client-facing.
const (
	CategoryConfiguration = "configuration"
	CategoryUser          = "user"
	CategoryToken         = "token"
	CategoryUpstream      = "upstream"
	CategoryUnknown       = "unknown"
)

// CodeDetail is the human-readable expansion of one upstream error code.
type CodeDetail struct {
	Code     string `json:"code"`
	Category string `json:"category"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Debug    string `json:"debug"`
	Action   string `json:"action"`
}

// errorCodes maps every documented siteverify error code. Unknown codes fall
// through to a generic entry so new upstream codes never break parsing.
var errorCodes = map[string]CodeDetail{
	"missing-input-secret": {
		Category: CategoryConfiguration,
		Title:    "Missing secret key",
		Message:  "Verification is temporarily unavailable. Please try again later.",
		Debug:    "The secret parameter was not passed to siteverify.",
		Action:   "Set the CAPTCHA secret key in the environment.",
	},
	"invalid-input-secret": {
		Category: CategoryConfiguration,
		Title:    "Invalid secret key",
		Message:  "Verification is temporarily unavailable. Please try again later.",
		Debug:    "The secret parameter was invalid, did not exist, or is a test key used in production.",
		Action:   "Rotate or correct the CAPTCHA secret key.",
	},
	"missing-input-response": {
		Category: CategoryUser,
		Title:    "Missing token",
		Message:  "Please complete the verification challenge and submit again.",
		Debug:    "The response parameter (token) was not passed.",
		Action:   "Ensure the widget runs before the form submits.",
	},
	"invalid-input-response": {
		Category: CategoryUser,
		Title:    "Invalid token",
		Message:  "Verification failed. Please refresh the page and try again.",
		Debug:    "The response parameter is malformed or has expired.",
		Action:   "Client should re-run the challenge; tokens are single-use and short-lived.",
	},
	"bad-request": {
		Category: CategoryConfiguration,
		Title:    "Malformed verification request",
		Message:  "Verification is temporarily unavailable. Please try again later.",
		Debug:    "siteverify rejected the request as malformed.",
		Action:   "Check the request encoding and parameter names.",
	},
	"timeout-or-duplicate": {
		Category: CategoryToken,
		Title:    "Token already used or expired",
		Message:  "This verification has already been used. Please refresh and try again.",
		Debug:    "The response parameter has already been validated before, or is too old.",
		Action:   "Treat repeated occurrences from one source as replay attempts.",
	},
	"internal-error": {
		Category: CategoryUpstream,
		Title:    "Verification service error",
		Message:  "Verification is temporarily unavailable. Please try again.",
		Debug:    "siteverify reported an internal error; the request may be retried.",
		Action:   "Retry with backoff; alert if sustained.",
	},
}

// LookupErrorCode expands an upstream error code into its dictionary entry.
func LookupErrorCode(code string) CodeDetail {
	if detail, ok := errorCodes[code]; ok {
		detail.Code = code
		return detail
	}
	return CodeDetail{
		Code:     code,
		Category: CategoryUnknown,
		Title:    "Unrecognized verification error",
		Message:  "Verification failed. Please try again.",
		Debug:    "siteverify returned an undocumented error code.",
		Action:   "Check upstream changelog for new error codes.",
	}
}
