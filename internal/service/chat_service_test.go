package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ismail-bs/team-management-sub001/internal/domain"
	"github.com/ismail-bs/team-management-sub001/internal/repository"
	"github.com/ismail-bs/team-management-sub001/pkg/snowflake"
)

// --- in-memory fakes ---

type fakeUserRepo struct {
	users map[uuid.UUID]*domain.User
}

func newFakeUserRepo(users ...*domain.User) *fakeUserRepo {
	r := &fakeUserRepo{users: make(map[uuid.UUID]*domain.User)}
	for _, u := range users {
		r.users[u.ID] = u
	}
	return r
}

func (r *fakeUserRepo) Create(_ context.Context, u *domain.User) error {
	r.users[u.ID] = u
	return nil
}

func (r *fakeUserRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	return r.users[id], nil
}

func (r *fakeUserRepo) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	for _, u := range r.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, nil
}

func (r *fakeUserRepo) GetByUsername(_ context.Context, username string) (*domain.User, error) {
	for _, u := range r.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, nil
}

type fakeConvRepo struct {
	mu         sync.Mutex
	convs      map[uuid.UUID]*domain.Conversation
	parts      map[uuid.UUID]map[uuid.UUID]*domain.Participant
	directKeys map[string]uuid.UUID
	messages   *fakeMessageRepo
}

func newFakeConvRepo(messages *fakeMessageRepo) *fakeConvRepo {
	return &fakeConvRepo{
		convs:      make(map[uuid.UUID]*domain.Conversation),
		parts:      make(map[uuid.UUID]map[uuid.UUID]*domain.Participant),
		directKeys: make(map[string]uuid.UUID),
		messages:   messages,
	}
}

func (r *fakeConvRepo) Create(_ context.Context, conv *domain.Conversation, participants []domain.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv.Kind == domain.KindDirect && len(participants) == 2 {
		key := domain.DirectKey(participants[0].UserID, participants[1].UserID)
		if _, exists := r.directKeys[key]; exists {
			return repository.ErrDuplicateDirectKey
		}
		r.directKeys[key] = conv.ID
	}
	c := *conv
	r.convs[conv.ID] = &c
	r.parts[conv.ID] = make(map[uuid.UUID]*domain.Participant)
	for i := range participants {
		p := participants[i]
		r.parts[conv.ID][p.UserID] = &p
	}
	return nil
}

func (r *fakeConvRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return nil, nil
	}
	copied := *c
	return &copied, nil
}

func (r *fakeConvRepo) GetDirectByKey(_ context.Context, key string) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.directKeys[key]
	if !ok {
		return nil, nil
	}
	copied := *r.convs[id]
	return &copied, nil
}

func (r *fakeConvRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var convs []domain.Conversation
	for id, members := range r.parts {
		if _, ok := members[userID]; ok {
			convs = append(convs, *r.convs[id])
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

func (r *fakeConvRepo) Rename(_ context.Context, id uuid.UUID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.convs[id]; ok {
		c.Name = &name
		c.UpdatedAt = time.Now()
	}
	return nil
}

func (r *fakeConvRepo) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.convs[id]; ok {
		c.UpdatedAt = at
	}
	return nil
}

func (r *fakeConvRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.convs, id)
	delete(r.parts, id)
	for key, convID := range r.directKeys {
		if convID == id {
			delete(r.directKeys, key)
		}
	}
	r.messages.deleteByConversation(id)
	return nil
}

func (r *fakeConvRepo) AddParticipant(_ context.Context, p *domain.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.parts[p.ConversationID][p.UserID]; ok {
		return nil
	}
	copied := *p
	r.parts[p.ConversationID][p.UserID] = &copied
	return nil
}

func (r *fakeConvRepo) RemoveParticipant(_ context.Context, conversationID, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.parts[conversationID], userID)
	return nil
}

func (r *fakeConvRepo) GetParticipant(_ context.Context, conversationID, userID uuid.UUID) (*domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.parts[conversationID][userID]
	if !ok {
		return nil, nil
	}
	copied := *p
	return &copied, nil
}

func (r *fakeConvRepo) ListParticipants(_ context.Context, conversationID uuid.UUID) ([]domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Participant
	for _, p := range r.parts[conversationID] {
		out = append(out, *p)
	}
	return out, nil
}

func (r *fakeConvRepo) SetLastRead(_ context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.parts[conversationID][userID]; ok && p.LastReadAt.Before(at) {
		p.LastReadAt = at
	}
	return nil
}

type fakeMessageRepo struct {
	mu       sync.Mutex
	messages map[int64]*domain.Message
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{messages: make(map[int64]*domain.Message)}
}

func (r *fakeMessageRepo) Create(_ context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *msg
	r.messages[msg.ID] = &copied
	return nil
}

func (r *fakeMessageRepo) GetByID(_ context.Context, id int64) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, nil
	}
	copied := *m
	return &copied, nil
}

func (r *fakeMessageRepo) ListByConversation(_ context.Context, conversationID uuid.UUID, before *int64, limit int) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []domain.Message
	for _, m := range r.messages {
		if m.ConversationID != conversationID || m.DeletedAt != nil {
			continue
		}
		all = append(all, *m)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Before(&all[j]) })
	if before != nil {
		cut := len(all)
		for i := range all {
			if all[i].ID == *before {
				cut = i
				break
			}
		}
		all = all[:cut]
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (r *fakeMessageRepo) Update(_ context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.messages[msg.ID]; ok {
		m.Content = msg.Content
		now := time.Now()
		m.EditedAt = &now
	}
	return nil
}

func (r *fakeMessageRepo) SoftDelete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.messages[id]; ok {
		now := time.Now()
		m.DeletedAt = &now
	}
	return nil
}

func (r *fakeMessageRepo) UnreadCount(_ context.Context, conversationID, userID uuid.UUID, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, m := range r.messages {
		if m.ConversationID == conversationID && m.DeletedAt == nil &&
			m.SenderID != userID && m.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (r *fakeMessageRepo) deleteByConversation(conversationID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, m := range r.messages {
		if m.ConversationID == conversationID {
			delete(r.messages, id)
		}
	}
}

type publishedEvent struct {
	kind       string
	convID     uuid.UUID
	msgID      int64
	userID     uuid.UUID
	deleted    bool
	recipients []uuid.UUID
}

func (e publishedEvent) reaches(userID uuid.UUID) bool {
	for _, id := range e.recipients {
		if id == userID {
			return true
		}
	}
	return false
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) MessageNew(msg *domain.Message, recipients []uuid.UUID) {
	p.record(publishedEvent{kind: "message:new", convID: msg.ConversationID, msgID: msg.ID, recipients: recipients})
}

func (p *recordingPublisher) MessageUpdated(msg *domain.Message, recipients []uuid.UUID) {
	p.record(publishedEvent{kind: "message:updated", convID: msg.ConversationID, msgID: msg.ID, recipients: recipients})
}

func (p *recordingPublisher) MessageDeleted(conversationID uuid.UUID, messageID int64, recipients []uuid.UUID) {
	p.record(publishedEvent{kind: "message:deleted", convID: conversationID, msgID: messageID, recipients: recipients})
}

func (p *recordingPublisher) ConversationUpdated(conv *domain.Conversation, deleted bool, recipients []uuid.UUID) {
	p.record(publishedEvent{kind: "conversation:updated", convID: conv.ID, deleted: deleted, recipients: recipients})
}

func (p *recordingPublisher) ParticipantAdded(conversationID uuid.UUID, participant *domain.Participant, recipients []uuid.UUID) {
	p.record(publishedEvent{kind: "conversation:participant_added", convID: conversationID, userID: participant.UserID, recipients: recipients})
}

func (p *recordingPublisher) ParticipantRemoved(conversationID, userID uuid.UUID, recipients []uuid.UUID) {
	p.record(publishedEvent{kind: "conversation:participant_removed", convID: conversationID, userID: userID, recipients: recipients})
}

func (p *recordingPublisher) record(e publishedEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) all() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEvent(nil), p.events...)
}

// --- test setup ---

type testEnv struct {
	svc       *ChatService
	users     *fakeUserRepo
	convs     *fakeConvRepo
	messages  *fakeMessageRepo
	publisher *recordingPublisher
}

func newTestEnv(t *testing.T, users ...*domain.User) *testEnv {
	t.Helper()
	messages := newFakeMessageRepo()
	convs := newFakeConvRepo(messages)
	userRepo := newFakeUserRepo(users...)
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatal(err)
	}
	svc := NewChatService(convs, messages, userRepo, node)
	publisher := &recordingPublisher{}
	svc.SetPublisher(publisher)
	return &testEnv{svc: svc, users: userRepo, convs: convs, messages: messages, publisher: publisher}
}

func testUser(name string) *domain.User {
	return &domain.User{
		ID:          uuid.New(),
		Email:       name + "@example.com",
		Username:    name,
		DisplayName: name,
	}
}

func (e *testEnv) groupConv(t *testing.T, admin uuid.UUID, members ...uuid.UUID) *domain.Conversation {
	t.Helper()
	name := "room"
	conv, err := e.svc.CreateConversation(context.Background(), admin, CreateConversationInput{
		Kind:           domain.KindGroup,
		ParticipantIDs: members,
		Name:           &name,
	})
	if err != nil {
		t.Fatalf("creating group conversation: %v", err)
	}
	return conv
}

// --- tests ---

func TestCreateDirectConversationIdempotent(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	env := newTestEnv(t, alice, bob)
	ctx := context.Background()

	first, err := env.svc.CreateConversation(ctx, alice.ID, CreateConversationInput{
		Kind:           domain.KindDirect,
		ParticipantIDs: []uuid.UUID{bob.ID},
	})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	// Same pair from the other side must return the same conversation.
	second, err := env.svc.CreateConversation(ctx, bob.ID, CreateConversationInput{
		Kind:           domain.KindDirect,
		ParticipantIDs: []uuid.UUID{alice.ID},
	})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("direct conversations not deduplicated: %s vs %s", first.ID, second.ID)
	}
}

func TestCreateDirectConversationWithSelf(t *testing.T) {
	alice := testUser("alice")
	env := newTestEnv(t, alice)

	_, err := env.svc.CreateConversation(context.Background(), alice.ID, CreateConversationInput{
		Kind:           domain.KindDirect,
		ParticipantIDs: []uuid.UUID{alice.ID},
	})
	if !errors.Is(err, ErrCannotMessageSelf) {
		t.Errorf("expected ErrCannotMessageSelf, got %v", err)
	}
}

// racingConvRepo simulates a concurrent direct-conversation create: the
// existing row stays invisible to the pre-insert lookup until the insert
// itself collides on the direct key, as it would between two transactions.
type racingConvRepo struct {
	*fakeConvRepo
	hideExisting bool
}

func (r *racingConvRepo) GetDirectByKey(ctx context.Context, key string) (*domain.Conversation, error) {
	if r.hideExisting {
		return nil, nil
	}
	return r.fakeConvRepo.GetDirectByKey(ctx, key)
}

func (r *racingConvRepo) Create(ctx context.Context, conv *domain.Conversation, participants []domain.Participant) error {
	err := r.fakeConvRepo.Create(ctx, conv, participants)
	if errors.Is(err, repository.ErrDuplicateDirectKey) {
		// The winning insert has committed and is now visible.
		r.hideExisting = false
	}
	return err
}

func TestCreateDirectConversationRace(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	env := newTestEnv(t, alice, bob)
	ctx := context.Background()

	racing := &racingConvRepo{fakeConvRepo: env.convs}
	node, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatal(err)
	}
	svc := NewChatService(racing, env.messages, env.users, node)

	first, err := env.svc.CreateConversation(ctx, alice.ID, CreateConversationInput{
		Kind:           domain.KindDirect,
		ParticipantIDs: []uuid.UUID{bob.ID},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Bob's create misses the existing row, collides on insert, and
	// recovers by returning the winner's conversation.
	racing.hideExisting = true
	second, err := svc.CreateConversation(ctx, bob.ID, CreateConversationInput{
		Kind:           domain.KindDirect,
		ParticipantIDs: []uuid.UUID{alice.ID},
	})
	if err != nil {
		t.Fatalf("losing create should recover, got %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected winner's conversation %s, got %s", first.ID, second.ID)
	}
}

func TestSendMessageValidation(t *testing.T) {
	alice, bob, eve := testUser("alice"), testUser("bob"), testUser("eve")
	env := newTestEnv(t, alice, bob, eve)
	ctx := context.Background()
	conv := env.groupConv(t, alice.ID, bob.ID)

	if _, err := env.svc.SendMessage(ctx, conv.ID, alice.ID, SendMessageInput{Content: "   "}); !errors.Is(err, ErrInvalidContent) {
		t.Errorf("blank content: expected ErrInvalidContent, got %v", err)
	}
	if _, err := env.svc.SendMessage(ctx, conv.ID, eve.ID, SendMessageInput{Content: "hi"}); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("outsider: expected ErrNotParticipant, got %v", err)
	}
	if _, err := env.svc.SendMessage(ctx, uuid.New(), alice.ID, SendMessageInput{Content: "hi"}); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("missing conversation: expected ErrConversationNotFound, got %v", err)
	}
}

func TestSendMessagePersistsThenPublishes(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	env := newTestEnv(t, alice, bob)
	ctx := context.Background()
	conv := env.groupConv(t, alice.ID, bob.ID)

	msg, err := env.svc.SendMessage(ctx, conv.ID, alice.ID, SendMessageInput{Content: "  hello  "})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Content != "hello" {
		t.Errorf("content not trimmed: %q", msg.Content)
	}

	stored, err := env.messages.GetByID(ctx, msg.ID)
	if err != nil || stored == nil {
		t.Fatalf("message not persisted: %v", err)
	}

	events := env.publisher.all()
	if len(events) != 1 || events[0].kind != "message:new" || events[0].msgID != msg.ID {
		t.Errorf("expected one message:new for %d, got %+v", msg.ID, events)
	}
	// Fan-out addresses every participant, sender included, so idle
	// sessions and the sender's other devices hear about the message.
	if !events[0].reaches(alice.ID) || !events[0].reaches(bob.ID) {
		t.Errorf("recipients missing a participant: %v", events[0].recipients)
	}

	updated, _ := env.convs.GetByID(ctx, conv.ID)
	if !updated.UpdatedAt.Equal(msg.CreatedAt) {
		t.Errorf("conversation updated_at not bumped to message time")
	}
}

func TestEditMessageOnlySender(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	env := newTestEnv(t, alice, bob)
	ctx := context.Background()
	conv := env.groupConv(t, alice.ID, bob.ID)

	msg, err := env.svc.SendMessage(ctx, conv.ID, alice.ID, SendMessageInput{Content: "original"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.svc.EditMessage(ctx, bob.ID, msg.ID, "hacked"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for non-sender edit, got %v", err)
	}

	edited, err := env.svc.EditMessage(ctx, alice.ID, msg.ID, "fixed")
	if err != nil {
		t.Fatalf("sender edit: %v", err)
	}
	if edited.Content != "fixed" || edited.EditedAt == nil {
		t.Errorf("edit not applied: %+v", edited)
	}
}

func TestDeleteMessageSenderOrAdmin(t *testing.T) {
	alice, bob, carol := testUser("alice"), testUser("bob"), testUser("carol")
	env := newTestEnv(t, alice, bob, carol)
	ctx := context.Background()
	// alice is admin (creator), bob and carol are members
	conv := env.groupConv(t, alice.ID, bob.ID, carol.ID)

	msg, err := env.svc.SendMessage(ctx, conv.ID, bob.ID, SendMessageInput{Content: "oops"})
	if err != nil {
		t.Fatal(err)
	}

	if err := env.svc.DeleteMessage(ctx, carol.ID, msg.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("member deleting another's message: expected ErrForbidden, got %v", err)
	}

	if err := env.svc.DeleteMessage(ctx, alice.ID, msg.ID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}

	// Tombstoned messages are gone from reads and cannot be deleted twice.
	if err := env.svc.DeleteMessage(ctx, alice.ID, msg.ID); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("double delete: expected ErrMessageNotFound, got %v", err)
	}
	page, err := env.svc.ListMessages(ctx, alice.ID, conv.ID, nil, 50)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range page.Messages {
		if m.ID == msg.ID {
			t.Errorf("tombstoned message still listed")
		}
	}
}

func TestMarkReadResetsUnread(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	env := newTestEnv(t, alice, bob)
	ctx := context.Background()
	conv := env.groupConv(t, alice.ID, bob.ID)

	// Back-date bob's watermark so alice's messages are unmistakably newer.
	// SetLastRead only moves forward, so poke the fake directly.
	env.convs.mu.Lock()
	env.convs.parts[conv.ID][bob.ID].LastReadAt = time.Now().Add(-time.Hour)
	env.convs.mu.Unlock()
	if _, err := env.svc.SendMessage(ctx, conv.ID, alice.ID, SendMessageInput{Content: "one"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.SendMessage(ctx, conv.ID, alice.ID, SendMessageInput{Content: "two"}); err != nil {
		t.Fatal(err)
	}

	count, err := env.svc.UnreadCount(ctx, conv.ID, bob.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("expected 2 unread, got %d", count)
	}

	// Sender's own messages are never unread for the sender.
	aliceCount, err := env.svc.UnreadCount(ctx, conv.ID, alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if aliceCount != 0 {
		t.Errorf("sender unread should be 0, got %d", aliceCount)
	}

	if err := env.svc.MarkRead(ctx, conv.ID, bob.ID); err != nil {
		t.Fatal(err)
	}
	count, err = env.svc.UnreadCount(ctx, conv.ID, bob.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("expected 0 unread after mark read, got %d", count)
	}

	// Idempotent: marking again keeps it at zero.
	if err := env.svc.MarkRead(ctx, conv.ID, bob.ID); err != nil {
		t.Fatal(err)
	}
}

func TestParticipantManagement(t *testing.T) {
	alice, bob, carol := testUser("alice"), testUser("bob"), testUser("carol")
	env := newTestEnv(t, alice, bob, carol)
	ctx := context.Background()
	conv := env.groupConv(t, alice.ID, bob.ID)

	// Member cannot add.
	if _, err := env.svc.AddParticipant(ctx, conv.ID, bob.ID, carol.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("member add: expected ErrForbidden, got %v", err)
	}

	// Admin adds.
	if _, err := env.svc.AddParticipant(ctx, conv.ID, alice.ID, carol.ID); err != nil {
		t.Fatalf("admin add: %v", err)
	}

	// Member may leave on their own.
	if err := env.svc.RemoveParticipant(ctx, conv.ID, carol.ID, carol.ID); err != nil {
		t.Fatalf("self leave: %v", err)
	}

	// Member cannot remove someone else.
	if err := env.svc.RemoveParticipant(ctx, conv.ID, bob.ID, alice.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("member removing admin: expected ErrForbidden, got %v", err)
	}

	// Admin removes a member; the event carries the removed user.
	if err := env.svc.RemoveParticipant(ctx, conv.ID, alice.ID, bob.ID); err != nil {
		t.Fatalf("admin remove: %v", err)
	}
	events := env.publisher.all()
	last := events[len(events)-1]
	if last.kind != "conversation:participant_removed" || last.userID != bob.ID {
		t.Errorf("expected participant_removed for bob, got %+v", last)
	}
	// Recipients are snapshotted before the removal, so bob's sessions
	// still hear that he was removed.
	if !last.reaches(bob.ID) {
		t.Errorf("removed user not among recipients: %v", last.recipients)
	}
}

func TestDirectConversationRejectsParticipantOps(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	env := newTestEnv(t, alice, bob)
	ctx := context.Background()

	conv, err := env.svc.CreateConversation(ctx, alice.ID, CreateConversationInput{
		Kind:           domain.KindDirect,
		ParticipantIDs: []uuid.UUID{bob.ID},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.svc.AddParticipant(ctx, conv.ID, alice.ID, uuid.New()); !errors.Is(err, ErrDirectConversation) {
		t.Errorf("add to direct: expected ErrDirectConversation, got %v", err)
	}
	if err := env.svc.DeleteConversation(ctx, conv.ID, alice.ID); !errors.Is(err, ErrDirectConversation) {
		t.Errorf("delete direct: expected ErrDirectConversation, got %v", err)
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	env := newTestEnv(t, alice, bob)
	ctx := context.Background()
	conv := env.groupConv(t, alice.ID, bob.ID)

	msg, err := env.svc.SendMessage(ctx, conv.ID, alice.ID, SendMessageInput{Content: "bye"})
	if err != nil {
		t.Fatal(err)
	}

	if err := env.svc.DeleteConversation(ctx, conv.ID, bob.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("member delete: expected ErrForbidden, got %v", err)
	}

	if err := env.svc.DeleteConversation(ctx, conv.ID, alice.ID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}

	if c, _ := env.convs.GetByID(ctx, conv.ID); c != nil {
		t.Errorf("conversation not deleted")
	}
	if m, _ := env.messages.GetByID(ctx, msg.ID); m != nil {
		t.Errorf("messages not cascaded")
	}

	events := env.publisher.all()
	last := events[len(events)-1]
	if last.kind != "conversation:updated" || !last.deleted {
		t.Errorf("expected conversation:updated with deleted, got %+v", last)
	}
	// Recipients were captured before the cascade wiped the rows.
	if !last.reaches(alice.ID) || !last.reaches(bob.ID) {
		t.Errorf("deleted event missed a participant: %v", last.recipients)
	}
}

func TestRenameRequiresAdmin(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	env := newTestEnv(t, alice, bob)
	ctx := context.Background()
	conv := env.groupConv(t, alice.ID, bob.ID)

	if _, err := env.svc.RenameConversation(ctx, conv.ID, bob.ID, "renamed"); !errors.Is(err, ErrForbidden) {
		t.Errorf("member rename: expected ErrForbidden, got %v", err)
	}

	renamed, err := env.svc.RenameConversation(ctx, conv.ID, alice.ID, "renamed")
	if err != nil {
		t.Fatal(err)
	}
	if renamed.Name == nil || *renamed.Name != "renamed" {
		t.Errorf("rename not applied: %+v", renamed.Name)
	}
}

func TestListMessagesPagination(t *testing.T) {
	alice, bob := testUser("alice"), testUser("bob")
	env := newTestEnv(t, alice, bob)
	ctx := context.Background()
	conv := env.groupConv(t, alice.ID, bob.ID)

	var ids []int64
	for i := 0; i < 5; i++ {
		msg, err := env.svc.SendMessage(ctx, conv.ID, alice.ID, SendMessageInput{Content: "m"})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, msg.ID)
	}

	page, err := env.svc.ListMessages(ctx, bob.ID, conv.ID, nil, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 3 || !page.HasMore {
		t.Fatalf("expected newest 3 with has_more, got %d (has_more=%v)", len(page.Messages), page.HasMore)
	}
	// Newest page in chronological order.
	if page.Messages[0].ID != ids[2] || page.Messages[2].ID != ids[4] {
		t.Errorf("unexpected page window: %v", page.Messages)
	}

	older, err := env.svc.ListMessages(ctx, bob.ID, conv.ID, &ids[2], 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(older.Messages) != 2 || older.HasMore {
		t.Fatalf("expected 2 older without has_more, got %d (has_more=%v)", len(older.Messages), older.HasMore)
	}
}
