package codec

import (
	"time"

	"github.com/penpalsync/penpalsync/internal/localstore"
	"github.com/penpalsync/penpalsync/internal/model"
	"github.com/penpalsync/penpalsync/internal/remote"
)

// Collection names as stored remotely and locally.
const (
	PenpalsCollection       = "penpals"
	ConversationsCollection = "conversations"
	MessagesCollection      = "messages"
	MeetingsCollection      = "meetings"
	VocabSheetsCollection   = "vocabSheets"
	VocabCardsCollection    = "vocabCards"
	ProfilesCollection      = "profiles"
	NotificationsCollection = "notifications"
)

func textCol(name string) localstore.Column { return localstore.Column{Name: name, Type: localstore.Text} }
func intCol(name string) localstore.Column { return localstore.Column{Name: name, Type: localstore.Integer} }
func realCol(name string) localstore.Column { return localstore.Column{Name: name, Type: localstore.Real} }

// --- Penpal ------------------------------------------------------------------

// Penpals is the codec for penpal matches, scoped by userId and ordered by
// lastUpdated, newest first.
type Penpals struct{ schema }

// NewPenpals returns the penpal codec.
func NewPenpals() Penpals {
	return Penpals{schema{
		collection: PenpalsCollection,
		scopeField: "userId",
		orderField: "lastUpdated",
		desc:       true,
		columns: []localstore.Column{
			textCol("userId"), textCol("penpalId"), textCol("status"), textCol("languages"),
			realCol("matchScore"), intCol("lastUpdated"),
		},
	}}
}

func (Penpals) Bind(p model.Penpal, _ string) model.Penpal { return p }
func (Penpals) ID(p model.Penpal) string { return p.ID }
func (Penpals) Version(p model.Penpal) time.Time { return p.LastUpdated }
func (Penpals) SortKey(p model.Penpal) time.Time { return p.LastUpdated }
func (Penpals) Synced(p model.Penpal) bool { return p.Synced }
func (Penpals) WithSynced(p model.Penpal, s bool) model.Penpal { p.Synced = s; return p }

func (Penpals) ToRemote(p model.Penpal) map[string]any {
	return map[string]any{
		"userId":      p.UserID,
		"penpalId":    p.PenpalID,
		"status":      string(p.Status),
		"languages":   anySlice(p.Languages),
		"matchScore":  p.MatchScore,
		"lastUpdated": p.LastUpdated,
	}
}

func (Penpals) FromRemote(doc remote.Document) (model.Penpal, bool) {
	d := doc.Data
	userID, ok1 := docRequired(d, "userId")
	penpalID, ok2 := docRequired(d, "penpalId")
	updated, ok3 := docTime(d, "lastUpdated")
	if doc.ID == "" || !ok1 || !ok2 || !ok3 {
		return model.Penpal{}, false
	}
	status, _ := docString(d, "status")
	if status == "" {
		status = string(model.PenpalPending)
	}
	return model.Penpal{
		ID:          doc.ID,
		UserID:      userID,
		PenpalID:    penpalID,
		Status:      model.PenpalStatus(status),
		Languages:   docStrings(d, "languages"),
		MatchScore:  docFloat(d, "matchScore"),
		LastUpdated: updated,
	}, true
}

func (Penpals) ToRow(p model.Penpal) localstore.Row {
	return syncCols(localstore.Row{
		"id":          p.ID,
		"userId":      p.UserID,
		"penpalId":    p.PenpalID,
		"status":      string(p.Status),
		"languages":   jsonText(p.Languages),
		"matchScore":  p.MatchScore,
		"lastUpdated": millis(p.LastUpdated),
	}, p.Synced, p.LastUpdated)
}

func (Penpals) FromRow(r localstore.Row) (model.Penpal, bool) {
	if r.ID() == "" || rowString(r, "userId") == "" {
		return model.Penpal{}, false
	}
	return model.Penpal{
		ID:          r.ID(),
		UserID:      rowString(r, "userId"),
		PenpalID:    rowString(r, "penpalId"),
		Status:      model.PenpalStatus(rowString(r, "status")),
		Languages:   rowJSON[[]string](r, "languages"),
		MatchScore:  rowFloat(r, "matchScore"),
		LastUpdated: rowTime(r, "lastUpdated"),
		Synced:      rowBool(r, ColSynced),
	}, true
}

// --- Conversation ------------------------------------------------------------

// Conversations is the codec for chat threads. Remotely a thread is shared by
// its participants; locally each cached row is owned by the user it was
// fetched for.
type Conversations struct{ schema }

// NewConversations returns the conversation codec.
func NewConversations() Conversations {
	return Conversations{schema{
		collection: ConversationsCollection,
		scopeField: "userId",
		orderField: "lastUpdated",
		desc:       true,
		columns: []localstore.Column{
			textCol("userId"), textCol("participants"), textCol("lastMessage"),
			intCol("lastUpdated"), textCol("unreadCounts"),
		},
	}}
}

// RemoteScope selects threads the user participates in.
func (Conversations) RemoteScope(userID string) []remote.Filter {
	return []remote.Filter{{Field: "participants", Op: remote.OpArrayContains, Value: userID}}
}

func (Conversations) Bind(c model.Conversation, userID string) model.Conversation {
	if c.UserID == "" {
		c.UserID = userID
	}
	return c
}

func (Conversations) ID(c model.Conversation) string { return c.ID }
func (Conversations) Version(c model.Conversation) time.Time { return c.LastUpdated }
func (Conversations) SortKey(c model.Conversation) time.Time { return c.LastUpdated }
func (Conversations) Synced(c model.Conversation) bool { return c.Synced }
func (Conversations) WithSynced(c model.Conversation, s bool) model.Conversation {
	c.Synced = s
	return c
}

func (Conversations) ToRemote(c model.Conversation) map[string]any {
	unread := make(map[string]any, len(c.UnreadCounts))
	for k, n := range c.UnreadCounts {
		unread[k] = int64(n)
	}
	return map[string]any{
		"participants": anySlice(c.Participants),
		"lastMessage":  c.LastMessage,
		"lastUpdated":  c.LastUpdated,
		"unreadCounts": unread,
	}
}

func (Conversations) FromRemote(doc remote.Document) (model.Conversation, bool) {
	d := doc.Data
	updated, ok := docTime(d, "lastUpdated")
	participants := docStrings(d, "participants")
	if doc.ID == "" || !ok || len(participants) == 0 {
		return model.Conversation{}, false
	}
	last, _ := docString(d, "lastMessage")
	return model.Conversation{
		ID:           doc.ID,
		Participants: participants,
		LastMessage:  last,
		LastUpdated:  updated,
		UnreadCounts: docIntMap(d, "unreadCounts"),
	}, true
}

func (Conversations) ToRow(c model.Conversation) localstore.Row {
	return syncCols(localstore.Row{
		"id":           c.ID,
		"userId":       c.UserID,
		"participants": jsonText(c.Participants),
		"lastMessage":  c.LastMessage,
		"lastUpdated":  millis(c.LastUpdated),
		"unreadCounts": jsonText(c.UnreadCounts),
	}, c.Synced, c.LastUpdated)
}

func (Conversations) FromRow(r localstore.Row) (model.Conversation, bool) {
	if r.ID() == "" {
		return model.Conversation{}, false
	}
	unread := rowJSON[map[string]int](r, "unreadCounts")
	if unread == nil {
		unread = map[string]int{}
	}
	return model.Conversation{
		ID:           r.ID(),
		UserID:       rowString(r, "userId"),
		Participants: rowJSON[[]string](r, "participants"),
		LastMessage:  rowString(r, "lastMessage"),
		LastUpdated:  rowTime(r, "lastUpdated"),
		UnreadCounts: unread,
		Synced:       rowBool(r, ColSynced),
	}, true
}

// --- Message -----------------------------------------------------------------

// Messages is the codec for chat messages, scoped by conversationId and
// ordered by sentAt, oldest first.
type Messages struct{ schema }

// NewMessages returns the message codec.
func NewMessages() Messages {
	return Messages{schema{
		collection: MessagesCollection,
		scopeField: "conversationId",
		orderField: "sentAt",
		columns: []localstore.Column{
			textCol("conversationId"), textCol("senderId"), textCol("text"),
			intCol("sentAt"), intCol("isRead"), intCol("lastUpdated"),
		},
	}}
}

func (Messages) Bind(m model.Message, _ string) model.Message { return m }
func (Messages) ID(m model.Message) string { return m.ID }
func (Messages) Version(m model.Message) time.Time { return m.Version() }
func (Messages) SortKey(m model.Message) time.Time { return m.SentAt }
func (Messages) Synced(m model.Message) bool { return m.Synced }
func (Messages) WithSynced(m model.Message, s bool) model.Message { m.Synced = s; return m }

func (Messages) ToRemote(m model.Message) map[string]any {
	doc := map[string]any{
		"conversationId": m.ConversationID,
		"senderId":       m.SenderID,
		"text":           m.Text,
		"sentAt":         m.SentAt,
		"isRead":         m.IsRead,
	}
	if !m.LastUpdated.IsZero() {
		doc["lastUpdated"] = m.LastUpdated
	}
	return doc
}

func (Messages) FromRemote(doc remote.Document) (model.Message, bool) {
	d := doc.Data
	convID, ok1 := docRequired(d, "conversationId")
	sender, ok2 := docRequired(d, "senderId")
	sent, ok3 := docTime(d, "sentAt")
	if doc.ID == "" || !ok1 || !ok2 || !ok3 {
		return model.Message{}, false
	}
	body, _ := docString(d, "text")
	updated, _ := docTime(d, "lastUpdated")
	return model.Message{
		ID:             doc.ID,
		ConversationID: convID,
		SenderID:       sender,
		Text:           body,
		SentAt:         sent,
		IsRead:         docBool(d, "isRead"),
		LastUpdated:    updated,
	}, true
}

func (Messages) ToRow(m model.Message) localstore.Row {
	return syncCols(localstore.Row{
		"id":             m.ID,
		"conversationId": m.ConversationID,
		"senderId":       m.SenderID,
		"text":           m.Text,
		"sentAt":         millis(m.SentAt),
		"isRead":         boolInt(m.IsRead),
		"lastUpdated":    millis(m.LastUpdated),
	}, m.Synced, m.Version())
}

func (Messages) FromRow(r localstore.Row) (model.Message, bool) {
	if r.ID() == "" || rowString(r, "conversationId") == "" {
		return model.Message{}, false
	}
	return model.Message{
		ID:             r.ID(),
		ConversationID: rowString(r, "conversationId"),
		SenderID:       rowString(r, "senderId"),
		Text:           rowString(r, "text"),
		SentAt:         rowTime(r, "sentAt"),
		IsRead:         rowBool(r, "isRead"),
		LastUpdated:    rowTime(r, "lastUpdated"),
		Synced:         rowBool(r, ColSynced),
	}, true
}

// --- Meeting -----------------------------------------------------------------

// Meetings is the codec for scheduled calls, ordered by start time.
type Meetings struct{ schema }

// NewMeetings returns the meeting codec.
func NewMeetings() Meetings {
	return Meetings{schema{
		collection: MeetingsCollection,
		scopeField: "userId",
		orderField: "startsAt",
		columns: []localstore.Column{
			textCol("userId"), textCol("title"), textCol("participants"), intCol("startsAt"),
			intCol("durationMinutes"), textCol("link"), intCol("lastUpdated"),
		},
	}}
}

func (Meetings) Bind(m model.Meeting, _ string) model.Meeting { return m }
func (Meetings) ID(m model.Meeting) string { return m.ID }
func (Meetings) Version(m model.Meeting) time.Time { return m.LastUpdated }
func (Meetings) SortKey(m model.Meeting) time.Time { return m.StartsAt }
func (Meetings) Synced(m model.Meeting) bool { return m.Synced }
func (Meetings) WithSynced(m model.Meeting, s bool) model.Meeting { m.Synced = s; return m }

func (Meetings) ToRemote(m model.Meeting) map[string]any {
	return map[string]any{
		"userId":          m.UserID,
		"title":           m.Title,
		"participants":    anySlice(m.Participants),
		"startsAt":        m.StartsAt,
		"durationMinutes": int64(m.Duration / time.Minute),
		"link":            m.Link,
		"lastUpdated":     m.LastUpdated,
	}
}

func (Meetings) FromRemote(doc remote.Document) (model.Meeting, bool) {
	d := doc.Data
	userID, ok1 := docRequired(d, "userId")
	starts, ok2 := docTime(d, "startsAt")
	if doc.ID == "" || !ok1 || !ok2 {
		return model.Meeting{}, false
	}
	updated, ok := docTime(d, "lastUpdated")
	if !ok {
		updated = doc.UpdateTime.UTC()
	}
	title, _ := docString(d, "title")
	link, _ := docString(d, "link")
	return model.Meeting{
		ID:           doc.ID,
		UserID:       userID,
		Title:        title,
		Participants: docStrings(d, "participants"),
		StartsAt:     starts,
		Duration:     time.Duration(docInt(d, "durationMinutes")) * time.Minute,
		Link:         link,
		LastUpdated:  updated,
	}, true
}

func (Meetings) ToRow(m model.Meeting) localstore.Row {
	return syncCols(localstore.Row{
		"id":              m.ID,
		"userId":          m.UserID,
		"title":           m.Title,
		"participants":    jsonText(m.Participants),
		"startsAt":        millis(m.StartsAt),
		"durationMinutes": int64(m.Duration / time.Minute),
		"link":            m.Link,
		"lastUpdated":     millis(m.LastUpdated),
	}, m.Synced, m.LastUpdated)
}

func (Meetings) FromRow(r localstore.Row) (model.Meeting, bool) {
	if r.ID() == "" || rowString(r, "userId") == "" {
		return model.Meeting{}, false
	}
	return model.Meeting{
		ID:           r.ID(),
		UserID:       rowString(r, "userId"),
		Title:        rowString(r, "title"),
		Participants: rowJSON[[]string](r, "participants"),
		StartsAt:     rowTime(r, "startsAt"),
		Duration:     time.Duration(rowInt(r, "durationMinutes")) * time.Minute,
		Link:         rowString(r, "link"),
		LastUpdated:  rowTime(r, "lastUpdated"),
		Synced:       rowBool(r, ColSynced),
	}, true
}

// --- VocabSheet --------------------------------------------------------------

// VocabSheets is the codec for vocabulary sheets.
type VocabSheets struct{ schema }

// NewVocabSheets returns the vocab sheet codec.
func NewVocabSheets() VocabSheets {
	return VocabSheets{schema{
		collection: VocabSheetsCollection,
		scopeField: "userId",
		orderField: "lastUpdated",
		desc:       true,
		columns: []localstore.Column{
			textCol("userId"), textCol("name"), textCol("language"),
			intCol("cardCount"), intCol("lastUpdated"),
		},
	}}
}

func (VocabSheets) Bind(v model.VocabSheet, _ string) model.VocabSheet { return v }
func (VocabSheets) ID(v model.VocabSheet) string { return v.ID }
func (VocabSheets) Version(v model.VocabSheet) time.Time { return v.LastUpdated }
func (VocabSheets) SortKey(v model.VocabSheet) time.Time { return v.LastUpdated }
func (VocabSheets) Synced(v model.VocabSheet) bool { return v.Synced }
func (VocabSheets) WithSynced(v model.VocabSheet, s bool) model.VocabSheet {
	v.Synced = s
	return v
}

func (VocabSheets) ToRemote(v model.VocabSheet) map[string]any {
	return map[string]any{
		"userId":      v.UserID,
		"name":        v.Name,
		"language":    v.Language,
		"cardCount":   int64(v.CardCount),
		"lastUpdated": v.LastUpdated,
	}
}

func (VocabSheets) FromRemote(doc remote.Document) (model.VocabSheet, bool) {
	d := doc.Data
	userID, ok1 := docRequired(d, "userId")
	name, ok2 := docRequired(d, "name")
	updated, ok3 := docTime(d, "lastUpdated")
	if doc.ID == "" || !ok1 || !ok2 || !ok3 {
		return model.VocabSheet{}, false
	}
	lang, _ := docString(d, "language")
	return model.VocabSheet{
		ID:          doc.ID,
		UserID:      userID,
		Name:        name,
		Language:    lang,
		CardCount:   docInt(d, "cardCount"),
		LastUpdated: updated,
	}, true
}

func (VocabSheets) ToRow(v model.VocabSheet) localstore.Row {
	return syncCols(localstore.Row{
		"id":          v.ID,
		"userId":      v.UserID,
		"name":        v.Name,
		"language":    v.Language,
		"cardCount":   int64(v.CardCount),
		"lastUpdated": millis(v.LastUpdated),
	}, v.Synced, v.LastUpdated)
}

func (VocabSheets) FromRow(r localstore.Row) (model.VocabSheet, bool) {
	if r.ID() == "" || rowString(r, "userId") == "" {
		return model.VocabSheet{}, false
	}
	return model.VocabSheet{
		ID:          r.ID(),
		UserID:      rowString(r, "userId"),
		Name:        rowString(r, "name"),
		Language:    rowString(r, "language"),
		CardCount:   int(rowInt(r, "cardCount")),
		LastUpdated: rowTime(r, "lastUpdated"),
		Synced:      rowBool(r, ColSynced),
	}, true
}

// --- VocabCard ---------------------------------------------------------------

// VocabCards is the codec for flash cards, scoped by sheetId.
type VocabCards struct{ schema }

// NewVocabCards returns the vocab card codec.
func NewVocabCards() VocabCards {
	return VocabCards{schema{
		collection: VocabCardsCollection,
		scopeField: "sheetId",
		orderField: "lastUpdated",
		desc:       true,
		columns: []localstore.Column{
			textCol("sheetId"), textCol("userId"), textCol("front"), textCol("back"),
			textCol("tags"), intCol("lastUpdated"),
		},
	}}
}

func (VocabCards) Bind(v model.VocabCard, _ string) model.VocabCard { return v }
func (VocabCards) ID(v model.VocabCard) string { return v.ID }
func (VocabCards) Version(v model.VocabCard) time.Time { return v.LastUpdated }
func (VocabCards) SortKey(v model.VocabCard) time.Time { return v.LastUpdated }
func (VocabCards) Synced(v model.VocabCard) bool { return v.Synced }
func (VocabCards) WithSynced(v model.VocabCard, s bool) model.VocabCard { v.Synced = s; return v }

func (VocabCards) ToRemote(v model.VocabCard) map[string]any {
	return map[string]any{
		"sheetId":     v.SheetID,
		"userId":      v.UserID,
		"front":       v.Front,
		"back":        v.Back,
		"tags":        anySlice(v.Tags),
		"lastUpdated": v.LastUpdated,
	}
}

func (VocabCards) FromRemote(doc remote.Document) (model.VocabCard, bool) {
	d := doc.Data
	sheetID, ok1 := docRequired(d, "sheetId")
	front, ok2 := docRequired(d, "front")
	updated, ok3 := docTime(d, "lastUpdated")
	if doc.ID == "" || !ok1 || !ok2 || !ok3 {
		return model.VocabCard{}, false
	}
	userID, _ := docString(d, "userId")
	back, _ := docString(d, "back")
	return model.VocabCard{
		ID:          doc.ID,
		SheetID:     sheetID,
		UserID:      userID,
		Front:       front,
		Back:        back,
		Tags:        docStrings(d, "tags"),
		LastUpdated: updated,
	}, true
}

func (VocabCards) ToRow(v model.VocabCard) localstore.Row {
	return syncCols(localstore.Row{
		"id":          v.ID,
		"sheetId":     v.SheetID,
		"userId":      v.UserID,
		"front":       v.Front,
		"back":        v.Back,
		"tags":        jsonText(v.Tags),
		"lastUpdated": millis(v.LastUpdated),
	}, v.Synced, v.LastUpdated)
}

func (VocabCards) FromRow(r localstore.Row) (model.VocabCard, bool) {
	if r.ID() == "" || rowString(r, "sheetId") == "" {
		return model.VocabCard{}, false
	}
	return model.VocabCard{
		ID:          r.ID(),
		SheetID:     rowString(r, "sheetId"),
		UserID:      rowString(r, "userId"),
		Front:       rowString(r, "front"),
		Back:        rowString(r, "back"),
		Tags:        rowJSON[[]string](r, "tags"),
		LastUpdated: rowTime(r, "lastUpdated"),
		Synced:      rowBool(r, ColSynced),
	}, true
}

// --- Profile -----------------------------------------------------------------

// Profiles is the codec for user profiles. The document id is the user id and
// is mirrored into a userId field so profiles can be scoped like everything
// else.
type Profiles struct{ schema }

// NewProfiles returns the profile codec.
func NewProfiles() Profiles {
	return Profiles{schema{
		collection: ProfilesCollection,
		scopeField: "userId",
		orderField: "lastUpdated",
		desc:       true,
		columns: []localstore.Column{
			textCol("userId"), textCol("name"), textCol("bio"), textCol("nativeLanguage"),
			textCol("learningLanguages"), textCol("interests"), intCol("lastUpdated"),
		},
	}}
}

func (Profiles) Bind(p model.Profile, _ string) model.Profile { return p }
func (Profiles) ID(p model.Profile) string { return p.ID }
func (Profiles) Version(p model.Profile) time.Time { return p.LastUpdated }
func (Profiles) SortKey(p model.Profile) time.Time { return p.LastUpdated }
func (Profiles) Synced(p model.Profile) bool { return p.Synced }
func (Profiles) WithSynced(p model.Profile, s bool) model.Profile { p.Synced = s; return p }

func (Profiles) ToRemote(p model.Profile) map[string]any {
	return map[string]any{
		"userId":            p.ID,
		"name":              p.Name,
		"bio":               p.Bio,
		"nativeLanguage":    p.NativeLanguage,
		"learningLanguages": anySlice(p.LearningLanguages),
		"interests":         anySlice(p.Interests),
		"lastUpdated":       p.LastUpdated,
	}
}

func (Profiles) FromRemote(doc remote.Document) (model.Profile, bool) {
	d := doc.Data
	name, ok := docRequired(d, "name")
	if doc.ID == "" || !ok {
		return model.Profile{}, false
	}
	updated, ok := docTime(d, "lastUpdated")
	if !ok {
		updated = doc.UpdateTime.UTC()
	}
	bio, _ := docString(d, "bio")
	native, _ := docString(d, "nativeLanguage")
	return model.Profile{
		ID:                doc.ID,
		Name:              name,
		Bio:               bio,
		NativeLanguage:    native,
		LearningLanguages: docStrings(d, "learningLanguages"),
		Interests:         docStrings(d, "interests"),
		LastUpdated:       updated,
	}, true
}

func (Profiles) ToRow(p model.Profile) localstore.Row {
	return syncCols(localstore.Row{
		"id":                p.ID,
		"userId":            p.ID,
		"name":              p.Name,
		"bio":               p.Bio,
		"nativeLanguage":    p.NativeLanguage,
		"learningLanguages": jsonText(p.LearningLanguages),
		"interests":         jsonText(p.Interests),
		"lastUpdated":       millis(p.LastUpdated),
	}, p.Synced, p.LastUpdated)
}

func (Profiles) FromRow(r localstore.Row) (model.Profile, bool) {
	if r.ID() == "" {
		return model.Profile{}, false
	}
	return model.Profile{
		ID:                r.ID(),
		Name:              rowString(r, "name"),
		Bio:               rowString(r, "bio"),
		NativeLanguage:    rowString(r, "nativeLanguage"),
		LearningLanguages: rowJSON[[]string](r, "learningLanguages"),
		Interests:         rowJSON[[]string](r, "interests"),
		LastUpdated:       rowTime(r, "lastUpdated"),
		Synced:            rowBool(r, ColSynced),
	}, true
}

// --- Notification ------------------------------------------------------------

// Notifications is the codec for in-app notifications, newest first.
type Notifications struct{ schema }

// NewNotifications returns the notification codec.
func NewNotifications() Notifications {
	return Notifications{schema{
		collection: NotificationsCollection,
		scopeField: "userId",
		orderField: "createdAt",
		desc:       true,
		columns: []localstore.Column{
			textCol("userId"), textCol("kind"), textCol("body"), textCol("data"),
			intCol("createdAt"), intCol("isRead"), intCol("lastUpdated"),
		},
	}}
}

func (Notifications) Bind(n model.Notification, _ string) model.Notification { return n }
func (Notifications) ID(n model.Notification) string { return n.ID }
func (Notifications) Version(n model.Notification) time.Time { return n.Version() }
func (Notifications) SortKey(n model.Notification) time.Time { return n.CreatedAt }
func (Notifications) Synced(n model.Notification) bool { return n.Synced }
func (Notifications) WithSynced(n model.Notification, s bool) model.Notification {
	n.Synced = s
	return n
}

func (Notifications) ToRemote(n model.Notification) map[string]any {
	data := make(map[string]any, len(n.Data))
	for k, v := range n.Data {
		data[k] = v
	}
	doc := map[string]any{
		"userId":    n.UserID,
		"kind":      n.Kind,
		"body":      n.Body,
		"data":      data,
		"createdAt": n.CreatedAt,
		"isRead":    n.IsRead,
	}
	if !n.LastUpdated.IsZero() {
		doc["lastUpdated"] = n.LastUpdated
	}
	return doc
}

func (Notifications) FromRemote(doc remote.Document) (model.Notification, bool) {
	d := doc.Data
	userID, ok1 := docRequired(d, "userId")
	kind, ok2 := docRequired(d, "kind")
	created, ok3 := docTime(d, "createdAt")
	if doc.ID == "" || !ok1 || !ok2 || !ok3 {
		return model.Notification{}, false
	}
	body, _ := docString(d, "body")
	updated, _ := docTime(d, "lastUpdated")
	return model.Notification{
		ID:          doc.ID,
		UserID:      userID,
		Kind:        kind,
		Body:        body,
		Data:        docStringMap(d, "data"),
		CreatedAt:   created,
		IsRead:      docBool(d, "isRead"),
		LastUpdated: updated,
	}, true
}

func (Notifications) ToRow(n model.Notification) localstore.Row {
	return syncCols(localstore.Row{
		"id":          n.ID,
		"userId":      n.UserID,
		"kind":        n.Kind,
		"body":        n.Body,
		"data":        jsonText(n.Data),
		"createdAt":   millis(n.CreatedAt),
		"isRead":      boolInt(n.IsRead),
		"lastUpdated": millis(n.LastUpdated),
	}, n.Synced, n.Version())
}

func (Notifications) FromRow(r localstore.Row) (model.Notification, bool) {
	if r.ID() == "" || rowString(r, "userId") == "" {
		return model.Notification{}, false
	}
	data := rowJSON[map[string]string](r, "data")
	if data == nil {
		data = map[string]string{}
	}
	return model.Notification{
		ID:          r.ID(),
		UserID:      rowString(r, "userId"),
		Kind:        rowString(r, "kind"),
		Body:        rowString(r, "body"),
		Data:        data,
		CreatedAt:   rowTime(r, "createdAt"),
		IsRead:      rowBool(r, "isRead"),
		LastUpdated: rowTime(r, "lastUpdated"),
		Synced:      rowBool(r, ColSynced),
	}, true
}

// Tables returns the cache tables of every collection codec in this package.
func Tables() []localstore.Table {
	return []localstore.Table{
		NewPenpals().Table(),
		NewConversations().Table(),
		NewMessages().Table(),
		NewMeetings().Table(),
		NewVocabSheets().Table(),
		NewVocabCards().Table(),
		NewProfiles().Table(),
		NewNotifications().Table(),
	}
}
