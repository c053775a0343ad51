// Package oasis implements the forum deliberation engine: a board of
// posts per topic, a roster of expert personas, and a discussion engine
// that drives rounds of expert participation until consensus or
// exhaustion, then summarizes a conclusion.
package oasis

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a topic.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDiscussing Status = "discussing"
	StatusConcluded  Status = "concluded"
	StatusError      Status = "error"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusConcluded || s == StatusError
}

// VoteUp and VoteDown are the only accepted vote directions; anything
// else is dropped silently.
const (
	VoteUp   = "up"
	VoteDown = "down"
)

// Post is a single post in a discussion thread.
type Post struct {
	ID        int            `json:"id"`
	Author    string         `json:"author"`
	Content   string         `json:"content"`
	ReplyTo   *int           `json:"reply_to,omitempty"`
	Upvotes   int            `json:"upvotes"`
	Downvotes int            `json:"downvotes"`
	Voters    map[string]string `json:"-"` // voter name -> direction
	Timestamp time.Time      `json:"timestamp"`
}

// Board is the shared discussion state for one topic. All expert
// goroutines read and write through it; a single mutex serializes every
// mutation. Browse and TopPosts return point-in-time copies.
type Board struct {
	TopicID   string
	Question  string
	OwnerID   string
	MaxRounds int
	CreatedAt time.Time

	mu           sync.Mutex
	counter      int
	posts        []Post
	status       Status
	currentRound int
	conclusion   string
}

// NewBoard creates a pending topic board.
func NewBoard(topicID, question, ownerID string, maxRounds int) *Board {
	return &Board{
		TopicID:   topicID,
		Question:  question,
		OwnerID:   ownerID,
		MaxRounds: maxRounds,
		CreatedAt: time.Now(),
		status:    StatusPending,
	}
}

// Publish appends a new post and returns a copy of it. Post ids are a
// strictly increasing sequence starting at 1.
func (b *Board) Publish(author, content string, replyTo *int) Post {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counter++
	post := Post{
		ID:        b.counter,
		Author:    author,
		Content:   content,
		ReplyTo:   replyTo,
		Voters:    make(map[string]string),
		Timestamp: time.Now(),
	}
	b.posts = append(b.posts, post)
	return clonePost(b.posts[len(b.posts)-1])
}

// Vote records one vote. It is a no-op when the post does not exist,
// the voter is the post's author, the voter already voted on this post,
// or the direction is invalid.
func (b *Board) Vote(voter string, postID int, direction string) {
	if direction != VoteUp && direction != VoteDown {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.posts {
		p := &b.posts[i]
		if p.ID != postID {
			continue
		}
		if voter == p.Author {
			return
		}
		if _, voted := p.Voters[voter]; voted {
			return
		}
		p.Voters[voter] = direction
		if direction == VoteUp {
			p.Upvotes++
		} else {
			p.Downvotes++
		}
		return
	}
}

// Browse returns a snapshot of all posts. When excludeSelf is set,
// posts authored by viewer are filtered out.
func (b *Board) Browse(viewer string, excludeSelf bool) []Post {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Post, 0, len(b.posts))
	for _, p := range b.posts {
		if excludeSelf && viewer != "" && p.Author == viewer {
			continue
		}
		out = append(out, clonePost(p))
	}
	return out
}

// TopPosts returns the n posts with the highest net score
// (upvotes - downvotes), ties broken by ascending id.
func (b *Board) TopPosts(n int) []Post {
	b.mu.Lock()
	defer b.mu.Unlock()
	sorted := make([]Post, len(b.posts))
	for i, p := range b.posts {
		sorted[i] = clonePost(p)
	}
	// Insertion sort keeps the tie-break stable and the post counts are
	// small.
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0; j-- {
			a, c := sorted[j-1], sorted[j]
			scoreA, scoreC := a.Upvotes-a.Downvotes, c.Upvotes-c.Downvotes
			if scoreC > scoreA || (scoreC == scoreA && c.ID < a.ID) {
				sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
			} else {
				break
			}
		}
	}
	if n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

// Count returns the number of posts.
func (b *Board) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.posts)
}

// Status returns the topic's lifecycle state.
func (b *Board) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// SetStatus transitions the lifecycle state. A terminal state is never
// left again.
func (b *Board) SetStatus(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() {
		return
	}
	b.status = s
}

// Round returns the current round number.
func (b *Board) Round() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentRound
}

// SetRound updates the current round number.
func (b *Board) SetRound(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentRound = n
}

// Conclusion returns the final (or error) conclusion text.
func (b *Board) Conclusion() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conclusion
}

// Conclude records the conclusion together with its terminal status.
func (b *Board) Conclude(status Status, conclusion string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() {
		return
	}
	b.status = status
	b.conclusion = conclusion
}

func clonePost(p Post) Post {
	voters := make(map[string]string, len(p.Voters))
	for k, v := range p.Voters {
		voters[k] = v
	}
	p.Voters = voters
	return p
}
