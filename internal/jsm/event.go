package jsm

// Event 为分发事件类型。
type Event int

// 实例级事件。
const (
	// EventSession 在会话进入 ACTIVE 时触发（无报文），模块在此登记会话级监听器。
	EventSession Event = iota
	// EventOffline 在报文发往没有可用会话的用户时触发。
	EventOffline
	// EventServer 在报文发往服务器地址（无用户部分）时触发。
	EventServer
	// EventDeliver 在本地投递前触发。
	EventDeliver
	// EventShutdown 在实例关闭时触发（无报文）。
	EventShutdown
	// EventAuth 处理 jabber:iq:auth 请求。
	EventAuth
	// EventRegister 处理 jabber:iq:register 请求。
	EventRegister

	// 会话级事件。

	// EventIn 在报文送往会话（系统到用户）时触发。
	EventIn
	// EventOut 在会话发出报文（用户到系统）时触发。
	EventOut
	// EventEnd 在会话拆除时触发（无报文）。
	EventEnd

	eventCount
)

const sessionEventCount = int(eventCount - EventIn)

var eventNames = [eventCount]string{
	EventSession:  "session",
	EventOffline:  "offline",
	EventServer:   "server",
	EventDeliver:  "deliver",
	EventShutdown: "shutdown",
	EventAuth:     "auth",
	EventRegister: "register",
	EventIn:       "in",
	EventOut:      "out",
	EventEnd:      "end",
}

func (e Event) String() string {
	if !e.valid() {
		return "invalid"
	}
	return eventNames[e]
}

func (e Event) valid() bool {
	return e >= 0 && e < eventCount
}

// SessionScoped 判断事件是否登记在会话上。
func (e Event) SessionScoped() bool {
	return e >= EventIn && e < eventCount
}
