package oasis

import "testing"

func TestPublishAssignsSequentialIDs(t *testing.T) {
	b := NewBoard("t1", "q", "alice", 5)
	first := b.Publish("创意专家", "idea", nil)
	second := b.Publish("批判专家", "risk", &first.ID)

	if first.ID != 1 || second.ID != 2 {
		t.Errorf("ids = %d, %d, want 1, 2", first.ID, second.ID)
	}
	if second.ReplyTo == nil || *second.ReplyTo != 1 {
		t.Error("reply_to lost")
	}
}

func TestVoteRules(t *testing.T) {
	b := NewBoard("t1", "q", "alice", 5)
	p := b.Publish("author", "content", nil)

	b.Vote("author", p.ID, VoteUp) // self vote ignored
	b.Vote("voter", p.ID, "sideways")
	b.Vote("voter", p.ID, VoteUp)
	b.Vote("voter", p.ID, VoteDown) // second vote by the same voter ignored
	b.Vote("other", p.ID, VoteDown)
	b.Vote("ghost", 999, VoteUp) // missing post ignored

	posts := b.Browse("", false)
	if len(posts) != 1 {
		t.Fatalf("got %d posts", len(posts))
	}
	if posts[0].Upvotes != 1 || posts[0].Downvotes != 1 {
		t.Errorf("votes = +%d/-%d, want +1/-1", posts[0].Upvotes, posts[0].Downvotes)
	}
}

func TestBrowseExcludeSelf(t *testing.T) {
	b := NewBoard("t1", "q", "alice", 5)
	b.Publish("me", "mine", nil)
	b.Publish("them", "theirs", nil)

	posts := b.Browse("me", true)
	if len(posts) != 1 || posts[0].Author != "them" {
		t.Errorf("posts = %+v", posts)
	}
	if all := b.Browse("me", false); len(all) != 2 {
		t.Errorf("unfiltered browse returned %d posts", len(all))
	}
}

func TestBrowseReturnsCopies(t *testing.T) {
	b := NewBoard("t1", "q", "alice", 5)
	p := b.Publish("a", "content", nil)

	snapshot := b.Browse("", false)
	snapshot[0].Content = "tampered"
	snapshot[0].Voters["x"] = VoteUp

	b.Vote("v", p.ID, VoteUp)
	fresh := b.Browse("", false)
	if fresh[0].Content != "content" {
		t.Error("snapshot mutation leaked into the board")
	}
	if fresh[0].Upvotes != 1 || len(fresh[0].Voters) != 1 {
		t.Errorf("voters = %v", fresh[0].Voters)
	}
}

func TestTopPostsOrdering(t *testing.T) {
	b := NewBoard("t1", "q", "alice", 5)
	p1 := b.Publish("a", "one", nil)
	p2 := b.Publish("b", "two", nil)
	p3 := b.Publish("c", "three", nil)

	// p2: +2, p1: +1 -1 = 0, p3: 0 (tie with p1, lower id wins)
	b.Vote("x", p2.ID, VoteUp)
	b.Vote("y", p2.ID, VoteUp)
	b.Vote("x", p1.ID, VoteUp)
	b.Vote("y", p1.ID, VoteDown)
	_ = p3

	top := b.TopPosts(2)
	if len(top) != 2 {
		t.Fatalf("got %d posts", len(top))
	}
	if top[0].ID != 2 {
		t.Errorf("top[0].ID = %d, want 2", top[0].ID)
	}
	if top[1].ID != 1 {
		t.Errorf("top[1].ID = %d, want 1 (net-score tie breaks by ascending id)", top[1].ID)
	}

	if all := b.TopPosts(10); len(all) != 3 {
		t.Errorf("n larger than post count should return everything, got %d", len(all))
	}
}

func TestTerminalStatusSticky(t *testing.T) {
	b := NewBoard("t1", "q", "alice", 5)
	if b.Status() != StatusPending {
		t.Errorf("initial status = %s", b.Status())
	}

	b.SetStatus(StatusDiscussing)
	b.Conclude(StatusConcluded, "the answer")

	b.SetStatus(StatusDiscussing)
	b.Conclude(StatusError, "late failure")

	if b.Status() != StatusConcluded {
		t.Errorf("status = %s, terminal state must not be left", b.Status())
	}
	if b.Conclusion() != "the answer" {
		t.Errorf("conclusion = %q", b.Conclusion())
	}
}
