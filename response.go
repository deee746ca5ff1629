package wren

import (
	"fmt"
	"strings"
)

// SMTPCode is an SMTP reply code (RFC 5321 section 4.2).
// 2yz: success, 3yz: intermediate, 4yz: transient failure, 5yz: permanent failure.
type SMTPCode int

const (
	CodeHelpMessage    SMTPCode = 214
	CodeServiceReady   SMTPCode = 220
	CodeServiceClosing SMTPCode = 221
	CodeAuthSuccess    SMTPCode = 235
	CodeOK             SMTPCode = 250

	CodeAuthContinue   SMTPCode = 334
	CodeStartMailInput SMTPCode = 354

	CodeServiceUnavailable  SMTPCode = 421
	CodeLocalError          SMTPCode = 451
	CodeInsufficientStorage SMTPCode = 452
	CodeTLSNotAvailable     SMTPCode = 454

	CodeCommandUnrecognized    SMTPCode = 500
	CodeSyntaxError            SMTPCode = 501
	CodeCommandNotImplemented  SMTPCode = 502
	CodeBadSequence            SMTPCode = 503
	CodeParameterNotImpl       SMTPCode = 504
	CodeAuthRequired           SMTPCode = 530
	CodeAuthCredentialsInvalid SMTPCode = 535
	CodeMailboxNotFound        SMTPCode = 550
	CodeExceededStorage        SMTPCode = 552
	CodeMailboxNameInvalid     SMTPCode = 553
	CodeTransactionFailed      SMTPCode = 554
)

// Response is a reply sent to the client. Message may contain newlines, in
// which case it is sent as a multi-line reply.
type Response struct {
	Code         SMTPCode
	EnhancedCode string
	Message      string
}

// String formats the response as it appears on the wire, without the final
// CRLF.
func (r Response) String() string {
	lines := strings.Split(r.Message, "\n")
	var b strings.Builder
	for i, line := range lines {
		sep := byte(' ')
		if i < len(lines)-1 {
			sep = '-'
		}
		if i > 0 {
			b.WriteString("\r\n")
		}
		fmt.Fprintf(&b, "%d%c", r.Code, sep)
		if r.EnhancedCode != "" {
			b.WriteString(r.EnhancedCode)
			b.WriteByte(' ')
		}
		b.WriteString(line)
	}
	return b.String()
}

// Replies with fixed text sent by the session loop.
var (
	respTooManyConnections = Response{Code: CodeServiceUnavailable, Message: "Too many connections, try again later"}
	respTimeout            = Response{Code: CodeServiceUnavailable, Message: "Timeout waiting for data from client."}
	respIOFailure          = Response{Code: CodeServiceUnavailable, EnhancedCode: "4.4.0", Message: "Problem attempting to execute commands. Please try again later."}
	respMailSystemFailure  = Response{Code: CodeServiceUnavailable, EnhancedCode: "4.3.0", Message: "Mail system failure, closing transmission channel"}
	respLineTooLong        = Response{Code: CodeSyntaxError, Message: "Input line length is too long!"}
	respTLSRequired        = Response{Code: CodeAuthRequired, Message: "Must issue a STARTTLS command first"}
	respAuthRequired       = Response{Code: CodeAuthRequired, EnhancedCode: "5.7.0", Message: "Authentication required"}
	respOK                 = Response{Code: CodeOK, Message: "Ok"}
)

func framingResponse(position int) Response {
	return Response{
		Code:    CodeSyntaxError,
		Message: fmt.Sprintf("Syntax error at character position %d. CR and LF must be CRLF paired.  See RFC 2821 #2.7.1.", position),
	}
}
