package events

const (
	TopicSessionState  = "session.state"
	TopicCommandOut    = "command.out"
	TopicCommandFailed = "command.failed"
	TopicVideoIn       = "video.in"
)
