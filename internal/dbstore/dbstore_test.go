package dbstore

import "testing"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "test.db")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertMessage_IdempotentOnMessageID(t *testing.T) {
	s := newTestStore(t)

	msg := &Message{MessageID: "m1", SessionID: "sess-1", UserID: "u1", Content: "hello"}
	if err := s.UpsertMessage(msg); err != nil {
		t.Fatalf("UpsertMessage() error = %v", err)
	}

	msg.Content = "hello, updated"
	if err := s.UpsertMessage(msg); err != nil {
		t.Fatalf("UpsertMessage() (retry) error = %v", err)
	}

	got, err := s.RecentMessages("sess-1", 10)
	if err != nil {
		t.Fatalf("RecentMessages() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1 (retry must not duplicate)", len(got))
	}
	if got[0].Content != "hello, updated" {
		t.Errorf("Content = %q, want updated content", got[0].Content)
	}
}

func TestRecentMessages_OldestFirstWithSender(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpsertUser(&User{UserID: "agent-1", Nickname: "Bot", IsAgent: true}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}

	for i, id := range []string{"m1", "m2", "m3"} {
		msg := &Message{MessageID: id, SessionID: "sess-1", UserID: "agent-1", Content: id}
		if err := s.UpsertMessage(msg); err != nil {
			t.Fatalf("UpsertMessage(%d) error = %v", i, err)
		}
	}

	got, err := s.RecentMessages("sess-1", 10)
	if err != nil {
		t.Fatalf("RecentMessages() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(got) = %d, want 3", len(got))
	}
	if !got[0].IsAgent || got[0].Nickname != "Bot" {
		t.Errorf("sender metadata not joined: %+v", got[0])
	}
}

func TestRecentMessages_FileContentReplacedByFilename(t *testing.T) {
	s := newTestStore(t)

	msg := &Message{
		MessageID:   "m1",
		SessionID:   "sess-1",
		UserID:      "u1",
		MessageType: TypeFile,
		Content:     "raw-blob-ref",
		FileName:    "report.pdf",
	}
	if err := s.UpsertMessage(msg); err != nil {
		t.Fatalf("UpsertMessage() error = %v", err)
	}

	got, err := s.RecentMessages("sess-1", 10)
	if err != nil {
		t.Fatalf("RecentMessages() error = %v", err)
	}
	if len(got) != 1 || got[0].Content != "report.pdf" {
		t.Fatalf("got = %+v, want content replaced by filename", got)
	}
}

func TestListAgents(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpsertUser(&User{UserID: "human-1", Nickname: "Alice"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertUser(&User{UserID: "agent-1", Nickname: "Bot", IsAgent: true, AgentModel: "claude-sonnet-4-5"}); err != nil {
		t.Fatal(err)
	}

	agents, err := s.ListAgents()
	if err != nil {
		t.Fatalf("ListAgents() error = %v", err)
	}
	if len(agents) != 1 || agents[0].UserID != "agent-1" {
		t.Fatalf("ListAgents() = %+v, want only agent-1", agents)
	}
}

func TestAddSessionMember_IdempotentAndListable(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpsertUser(&User{UserID: "agent-1", Nickname: "Bot", IsAgent: true}); err != nil {
		t.Fatal(err)
	}

	if err := s.AddSessionMember("sess-1", "agent-1"); err != nil {
		t.Fatalf("AddSessionMember() error = %v", err)
	}
	if err := s.AddSessionMember("sess-1", "agent-1"); err != nil {
		t.Fatalf("AddSessionMember() (repeat) error = %v", err)
	}

	members, err := s.SessionMembers("sess-1")
	if err != nil {
		t.Fatalf("SessionMembers() error = %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("len(members) = %d, want 1", len(members))
	}

	sessions, err := s.UserSessions("agent-1")
	if err != nil {
		t.Fatalf("UserSessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0] != "sess-1" {
		t.Fatalf("UserSessions() = %v, want [sess-1]", sessions)
	}
}

func TestGetUser_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetUser("missing")
	if err != ErrUserNotFound {
		t.Errorf("GetUser() error = %v, want ErrUserNotFound", err)
	}
}
