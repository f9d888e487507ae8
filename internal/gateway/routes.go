package gateway

// Route is the handler a request path maps to.
type Route int

const (
	NotHandled Route = iota
	GetData
	SendMessage
)

var routePaths = map[string]Route{
	"/ajax/get_data":     GetData,
	"/ajax/send_message": SendMessage,
}

// Lookup maps a request path to its route. Unknown paths are NotHandled.
func Lookup(path string) Route {
	return routePaths[path]
}

// Path returns the URI served by r, or "" for NotHandled.
func (r Route) Path() string {
	switch r {
	case GetData:
		return "/ajax/get_data"
	case SendMessage:
		return "/ajax/send_message"
	}
	return ""
}

func (r Route) String() string {
	switch r {
	case GetData:
		return "get_data"
	case SendMessage:
		return "send_message"
	}
	return "not_handled"
}
