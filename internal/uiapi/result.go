package uiapi

// Result is the envelope of every bridge response.
type Result[T any] struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Result  T      `json:"result"`
}

// Result codes. The UI switches on these, so each failure class has its own.
const (
	ResultSuccess            = 2000
	ResultError              = -1
	ResultBadRequest         = 40000
	ResultInvalidCode        = 40010
	ResultLimitReached       = 40020
	ResultAlreadyCheckedIn   = 40021
	ResultVerificationFailed = 40030
	ResultNoChildren         = 40040
	ResultChildSelection     = 40041
	ResultChildNotFound      = 40042
	ResultNotSignedIn        = 40100
	ResultAccountInactive    = 40300
	ResultNotFound           = 40400
	ResultNetwork            = 50300
	ResultTokenExpired       = 60401
)

func Ok[T any](result T) Result[T] {
	return Result[T]{Code: ResultSuccess, Type: "success", Message: "ok", Result: result}
}

func Fail(code int, message string) Result[any] {
	return Result[any]{Code: code, Type: "error", Message: message}
}
