// Package duckgpt implements a Discord bot which relays slash commands to a
// local Ollama server (text generation) and a local ComfyUI server (image
// generation), and replies with the results as embeds.
//
// Components of the package include:
//
//   - Bot: Creates everything from a Config, and runs the gateway session.
//   - Discord: Gateway session handling and slash command registration.
//   - Dispatcher: Applies per-user cooldowns, calls the backend for each
//     command, and replies with the formatted result.
//   - Ollama: Text generation via the ollama API client.
//   - ComfyUI: Image generation and GPU stats via ComfyUI's HTTP and
//     websocket API, using the bundled SDXL-Turbo workflow.
//   - Formatter: Builds reply embeds.
//   - API: An optional read-only HTTP status server.
//
// The bot registers these commands in a single guild:
//
//   - /llm: Generate a response with one of the registered models.
//   - /img: Generate an image from a prompt.
//   - /stats: Show the image backend's GPU name and VRAM usage.
//
// Backend failures are logged and shown to the user as an error embed.
// Nothing is persisted: cooldowns and counters reset on restart.
package duckgpt
