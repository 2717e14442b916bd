package verify

import (
	"crypto/sha256"

	"github.com/retroim/buddyd/internal/model"
)

// sasEmojis is the standard 64-entry SAS emoji table. Indexes must
// match the peer's table exactly or users will never see the same set.
var sasEmojis = [64]model.VerificationEmoji{
	{Symbol: "🐶", Description: "Dog"},
	{Symbol: "🐱", Description: "Cat"},
	{Symbol: "🦁", Description: "Lion"},
	{Symbol: "🐎", Description: "Horse"},
	{Symbol: "🦄", Description: "Unicorn"},
	{Symbol: "🐷", Description: "Pig"},
	{Symbol: "🐘", Description: "Elephant"},
	{Symbol: "🐰", Description: "Rabbit"},
	{Symbol: "🐼", Description: "Panda"},
	{Symbol: "🐓", Description: "Rooster"},
	{Symbol: "🐧", Description: "Penguin"},
	{Symbol: "🐢", Description: "Turtle"},
	{Symbol: "🐟", Description: "Fish"},
	{Symbol: "🐙", Description: "Octopus"},
	{Symbol: "🦋", Description: "Butterfly"},
	{Symbol: "🌷", Description: "Flower"},
	{Symbol: "🌳", Description: "Tree"},
	{Symbol: "🌵", Description: "Cactus"},
	{Symbol: "🍄", Description: "Mushroom"},
	{Symbol: "🌏", Description: "Globe"},
	{Symbol: "🌙", Description: "Moon"},
	{Symbol: "☁️", Description: "Cloud"},
	{Symbol: "🔥", Description: "Fire"},
	{Symbol: "🍌", Description: "Banana"},
	{Symbol: "🍎", Description: "Apple"},
	{Symbol: "🍓", Description: "Strawberry"},
	{Symbol: "🌽", Description: "Corn"},
	{Symbol: "🍕", Description: "Pizza"},
	{Symbol: "🎂", Description: "Cake"},
	{Symbol: "❤️", Description: "Heart"},
	{Symbol: "😀", Description: "Smiley"},
	{Symbol: "🤖", Description: "Robot"},
	{Symbol: "🎩", Description: "Hat"},
	{Symbol: "👓", Description: "Glasses"},
	{Symbol: "🔧", Description: "Spanner"},
	{Symbol: "🎅", Description: "Santa"},
	{Symbol: "👍", Description: "Thumbs Up"},
	{Symbol: "☂️", Description: "Umbrella"},
	{Symbol: "⌛", Description: "Hourglass"},
	{Symbol: "⏰", Description: "Clock"},
	{Symbol: "🎁", Description: "Gift"},
	{Symbol: "💡", Description: "Light Bulb"},
	{Symbol: "📕", Description: "Book"},
	{Symbol: "✏️", Description: "Pencil"},
	{Symbol: "📎", Description: "Paperclip"},
	{Symbol: "✂️", Description: "Scissors"},
	{Symbol: "🔒", Description: "Lock"},
	{Symbol: "🔑", Description: "Key"},
	{Symbol: "🔨", Description: "Hammer"},
	{Symbol: "☎️", Description: "Telephone"},
	{Symbol: "🏁", Description: "Flag"},
	{Symbol: "🚂", Description: "Train"},
	{Symbol: "🚲", Description: "Bicycle"},
	{Symbol: "✈️", Description: "Aeroplane"},
	{Symbol: "🚀", Description: "Rocket"},
	{Symbol: "🏆", Description: "Trophy"},
	{Symbol: "⚽", Description: "Ball"},
	{Symbol: "🎸", Description: "Guitar"},
	{Symbol: "🎺", Description: "Trumpet"},
	{Symbol: "🔔", Description: "Bell"},
	{Symbol: "⚓", Description: "Anchor"},
	{Symbol: "🎧", Description: "Headphones"},
	{Symbol: "📁", Description: "Folder"},
	{Symbol: "📌", Description: "Pin"},
}

// DeriveEmojis picks the seven-emoji comparison set from shared key
// material: 42 bits of its digest, 6 bits per emoji, high bits first.
func DeriveEmojis(keyMaterial []byte) []model.VerificationEmoji {
	digest := sha256.Sum256(keyMaterial)

	var bits uint64
	for i := 0; i < 6; i++ {
		bits = bits<<8 | uint64(digest[i])
	}
	bits >>= 6 // keep the top 42 bits

	out := make([]model.VerificationEmoji, 7)
	for i := 6; i >= 0; i-- {
		out[i] = sasEmojis[bits&0x3f]
		bits >>= 6
	}
	return out
}
