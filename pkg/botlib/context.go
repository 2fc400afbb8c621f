package botlib

// Context provides methods for responding to messages.
// It is passed to message handlers and provides a convenient API
// for common bot actions.
type Context struct {
	bot     *Bot
	message *Message
}

// Message returns the message that triggered this context.
func (c *Context) Message() *Message {
	return c.message
}

// Reply sends a chat line to the bot's current room.
func (c *Context) Reply(content string) error {
	return c.bot.Say(content)
}

// Join moves the bot to another room.
func (c *Context) Join(room string) error {
	return c.bot.Join(room)
}

// Author returns the name of the message author.
func (c *Context) Author() string {
	return c.message.Author
}

// Room returns the room the message was received in.
func (c *Context) Room() string {
	return c.message.Room
}

// BotName returns the bot's name.
func (c *Context) BotName() string {
	return c.bot.name
}

// Log logs a message using the bot's logger.
func (c *Context) Log(format string, args ...interface{}) {
	c.bot.logger.Printf(format, args...)
}
