// Package outbound delivers replies to SMS customers through the messaging
// provider's REST API.
//
// Each message is a form-encoded POST to
//
//	{api_base}/2010-04-01/Accounts/{AccountSID}/Messages.json
//
// with Basic auth (AccountSID:AuthToken). The sender is the tenant's
// messaging service when one is configured, otherwise its from number;
// with neither, Send fails with ErrMisconfiguredChannel before any request
// is made. Provider rejections come back as *SendError, which unwraps to
// ErrOutboundSendFailed. There are no retries.
//
// FormatSMS flattens agent markdown to plain text with goldmark and trims
// it to the provider's 1600 character limit.
package outbound
