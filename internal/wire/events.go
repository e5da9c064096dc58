package wire

import "github.com/tidwall/gjson"

// Ack is a server acknowledgement of a message:send.
type Ack struct {
	ServerID string
	TempID   string
	OK       bool
	Reason   string
}

// ParseAck reads either the request acknowledgement or a message:sent:ack event.
// An ack without an explicit negative status counts as accepted.
func ParseAck(raw []byte) (Ack, error) {
	r, err := parseObject(raw)
	if err != nil {
		return Ack{}, err
	}
	a := Ack{
		ServerID: str(r, "messageId", "_id", "data.messageId", "data._id", "data.message._id"),
		TempID:   str(r, "tempId", "data.tempId", "data.message.tempId"),
		OK:       true,
		Reason:   str(r, "error", "message"),
	}
	if st := r.Get("status"); st.Exists() {
		a.OK = truthy(st)
	}
	if r.Get("success").Exists() {
		a.OK = r.Get("success").Bool()
	}
	if r.Get("error").Exists() && r.Get("error").Type != gjson.Null {
		a.OK = false
	}
	if a.OK {
		a.Reason = ""
	}
	return a, nil
}

// Receipt identifies a message named by message:delivered or message:read.
type Receipt struct {
	MessageID      string
	ConversationID string
}

func ParseReceipt(raw []byte) (Receipt, error) {
	r, err := parseObject(raw)
	if err != nil {
		return Receipt{}, err
	}
	rc := Receipt{
		MessageID:      str(r, "messageId", "_id", "data.messageId", "data._id"),
		ConversationID: str(r, "chatId", "data.chatId"),
	}
	if rc.MessageID == "" {
		return Receipt{}, &ValidationError{Field: "messageId", Reason: "missing"}
	}
	return rc, nil
}

// Typing is a remote typing or recording signal.
type Typing struct {
	UserID         string
	ConversationID string
}

func ParseTyping(raw []byte) (Typing, error) {
	r, err := parseObject(raw)
	if err != nil {
		return Typing{}, err
	}
	return Typing{
		UserID:         str(r, "userId", "senderId", "from"),
		ConversationID: str(r, "chatId", "roomId"),
	}, nil
}

// Presence is a peer's online state.
type Presence struct {
	UserID   string
	Status   string
	LastSeen int64
}

// ParsePresence reads presence:update, or user:online/user:offline when
// implied names the status carried by the event name itself.
func ParsePresence(raw []byte, implied string) (Presence, error) {
	r, err := parseObject(raw)
	if err != nil {
		return Presence{}, err
	}
	p := Presence{
		UserID: str(r, "userId", "_id", "id"),
		Status: str(r, "status"),
	}
	if p.UserID == "" {
		return Presence{}, &ValidationError{Field: "userId", Reason: "missing"}
	}
	if p.Status == "" {
		p.Status = implied
	}
	if ts, ok, terr := parseTime(r.Get("lastSeen")); ok && terr == nil {
		p.LastSeen = ts
	}
	return p, nil
}

// ParsePresenceReply reads the acknowledgement of presence:manual, which
// may wrap the presence in a data object and omit the user id.
func ParsePresenceReply(raw []byte, userID string) (Presence, error) {
	r, err := parseObject(raw)
	if err != nil {
		return Presence{}, err
	}
	if d := r.Get("data"); d.IsObject() {
		r = d
	}
	p := Presence{UserID: str(r, "userId", "_id", "id"), Status: str(r, "status")}
	if p.UserID == "" {
		p.UserID = userID
	}
	if p.Status == "" {
		return Presence{}, &ValidationError{Field: "status", Reason: "missing"}
	}
	if ts, ok, terr := parseTime(r.Get("lastSeen")); ok && terr == nil {
		p.LastSeen = ts
	}
	return p, nil
}

// AuthResult is the body of authenticated and reauthenticated events.
type AuthResult struct {
	OK               bool
	Message          string
	SessionID        string
	AccessToken      string
	RefreshTokenHash string
}

func ParseAuthResult(raw []byte) (AuthResult, error) {
	r, err := parseObject(raw)
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{
		OK:               truthy(r.Get("status")),
		Message:          str(r, "message"),
		SessionID:        str(r, "data.sessionId", "sessionId"),
		AccessToken:      str(r, "data.accessToken", "accessToken"),
		RefreshTokenHash: str(r, "data.refreshTokenHash", "refreshTokenHash"),
	}, nil
}

// Deletion names messages removed by message:delete:me or message:delete:everyone.
type Deletion struct {
	MessageIDs     []string
	ConversationID string
	DeletedBy      string
}

func ParseDeletion(raw []byte) (Deletion, error) {
	r, err := parseObject(raw)
	if err != nil {
		return Deletion{}, err
	}
	d := Deletion{
		ConversationID: str(r, "chatId", "data.chatId"),
		DeletedBy:      str(r, "deletedBy", "data.deletedBy"),
	}
	if id := str(r, "messageId", "data.messageId"); id != "" {
		d.MessageIDs = append(d.MessageIDs, id)
	}
	for _, v := range r.Get("messageIds").Array() {
		if s := v.String(); s != "" {
			d.MessageIDs = append(d.MessageIDs, s)
		}
	}
	if len(d.MessageIDs) == 0 {
		return Deletion{}, &ValidationError{Field: "messageId", Reason: "missing"}
	}
	return d, nil
}

// UserID extracts the account id from the stored userInfo document.
func UserID(raw []byte) string {
	r, err := parseObject(raw)
	if err != nil {
		return ""
	}
	return str(r, "_id", "id", "userId", "user._id")
}

// DisconnectReason extracts the reason of a disconnect event. The payload is
// either a bare JSON string or an object with a reason field.
func DisconnectReason(raw []byte) string {
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return r.String()
	}
	return r.Get("reason").String()
}
