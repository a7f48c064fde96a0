// Package objects defines the JSON shapes shared by the local API and the
// node-to-node protocol. Every object carries a "type" tag; inboxes dispatch
// on it.
package objects

import (
	"strings"
	"time"

	"github.com/socialdistribution/node/internal/models"
)

// Object type tags
const (
	TypeAuthor  = "author"
	TypeAuthors = "authors"
	TypeFollow  = "follow"
	TypeEntry   = "entry"
	TypeEntries = "entries"
	TypeComment = "comment"
	TypeLike    = "like"
)

// Author is the wire form of an author.
type Author struct {
	Type         string `json:"type"`
	ID           string `json:"id"`
	Host         string `json:"host"`
	DisplayName  string `json:"displayName"`
	Github       string `json:"github"`
	ProfileImage string `json:"profileImage"`
	Web          string `json:"web"`
}

// Profile is an author with relationship counts, used on the authors API.
type Profile struct {
	Author
	FollowersCount int64 `json:"followers_count"`
	FollowingCount int64 `json:"following_count"`
	FriendsCount   int64 `json:"friends_count"`
}

// Entry is the wire form of an entry.
type Entry struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	ID          string `json:"id"`
	Web         string `json:"web"`
	Description string `json:"description"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
	Author      Author `json:"author"`
	Comments    string `json:"comments"`
	Visibility  string `json:"visibility"`
	Published   string `json:"published"`
	Updated     string `json:"updated"`
}

// Comment is the wire form of a comment.
type Comment struct {
	Type        string `json:"type"`
	Author      Author `json:"author"`
	Comment     string `json:"comment"`
	ContentType string `json:"contentType"`
	Published   string `json:"published"`
	ID          string `json:"id"`
	Entry       string `json:"entry"`
}

// Like is the wire form of a like. Object is the FQID of the liked entry
// or comment.
type Like struct {
	Type      string `json:"type"`
	Author    Author `json:"author"`
	Published string `json:"published"`
	ID        string `json:"id"`
	Object    string `json:"object"`
}

// Follow is the wire form of a follow request.
type Follow struct {
	Type    string `json:"type"`
	Summary string `json:"summary"`
	Actor   Author `json:"actor"`
	Object  Author `json:"object"`
}

// AuthorsList is the unpaginated authors envelope.
type AuthorsList struct {
	Type    string    `json:"type"`
	Authors []Profile `json:"authors"`
}

// FollowersList is the followers envelope.
type FollowersList struct {
	Type      string   `json:"type"`
	Followers []Author `json:"followers"`
}

// FollowingList is the following envelope.
type FollowingList struct {
	Type      string   `json:"type"`
	Following []Author `json:"following"`
}

// FriendsList is the friends envelope.
type FriendsList struct {
	Type    string   `json:"type"`
	Friends []Author `json:"friends"`
}

// FollowRequests is the pending follow requests envelope.
type FollowRequests struct {
	Type     string   `json:"type"`
	Requests []Follow `json:"requests"`
}

// EntriesPage is the paginated entries envelope.
type EntriesPage struct {
	Type       string  `json:"type"`
	PageNumber int     `json:"page_number"`
	Size       int     `json:"size"`
	Count      int64   `json:"count"`
	Src        []Entry `json:"src"`
}

// CommentsPage is the paginated comments envelope.
type CommentsPage struct {
	Type       string    `json:"type"`
	PageNumber int       `json:"page_number"`
	Size       int       `json:"size"`
	Count      int64     `json:"count"`
	Src        []Comment `json:"src"`
}

// LikesPage is the paginated likes envelope.
type LikesPage struct {
	Type       string `json:"type"`
	PageNumber int    `json:"page_number"`
	Size       int    `json:"size"`
	Count      int64  `json:"count"`
	Src        []Like `json:"src"`
}

// webURL derives the browser-facing URL from an API FQID. Works for local
// and remote FQIDs alike since all nodes share the path convention.
func webURL(fqid string) string {
	return strings.Replace(fqid, "/api/", "/", 1)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// NewAuthor builds the wire form of an author.
func NewAuthor(a *models.Author) Author {
	displayName := a.DisplayName
	if displayName == "" {
		displayName = a.Username
	}
	return Author{
		Type:         TypeAuthor,
		ID:           a.URL,
		Host:         a.Host,
		DisplayName:  displayName,
		Github:       a.Github,
		ProfileImage: a.ProfileImage,
		Web:          webURL(a.URL),
	}
}

// NewProfile builds an author with relationship counts.
func NewProfile(a *models.Author, followers, following, friends int64) Profile {
	return Profile{
		Author:         NewAuthor(a),
		FollowersCount: followers,
		FollowingCount: following,
		FriendsCount:   friends,
	}
}

// NewEntry builds the wire form of an entry.
func NewEntry(e *models.Entry, author *models.Author) Entry {
	return Entry{
		Type:        TypeEntry,
		Title:       e.Title,
		ID:          e.URL,
		Web:         webURL(e.URL),
		Description: e.Description,
		ContentType: e.ContentType,
		Content:     e.Content,
		Author:      NewAuthor(author),
		Comments:    e.URL + "/comments",
		Visibility:  e.Visibility,
		Published:   formatTime(e.Published),
		Updated:     formatTime(e.Updated),
	}
}

// NewComment builds the wire form of a comment.
func NewComment(c *models.Comment, author *models.Author) Comment {
	return Comment{
		Type:        TypeComment,
		Author:      NewAuthor(author),
		Comment:     c.Comment,
		ContentType: c.ContentType,
		Published:   formatTime(c.Published),
		ID:          c.URL,
		Entry:       c.EntryURL,
	}
}

// NewLike builds the wire form of a like.
func NewLike(l *models.Like, author *models.Author) Like {
	return Like{
		Type:      TypeLike,
		Author:    NewAuthor(author),
		Published: formatTime(l.Published),
		ID:        l.URL,
		Object:    l.TargetURL,
	}
}

// NewFollow builds the wire form of a follow request.
func NewFollow(actor, object *models.Author) Follow {
	a := NewAuthor(actor)
	o := NewAuthor(object)
	return Follow{
		Type:    TypeFollow,
		Summary: a.DisplayName + " wants to follow " + o.DisplayName,
		Actor:   a,
		Object:  o,
	}
}
