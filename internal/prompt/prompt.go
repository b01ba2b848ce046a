// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package prompt

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/copaywallet/copayd/internal/zero"
	"golang.org/x/term"
)

// MaxNicknameLen bounds the nickname entered for the local copayer.
const MaxNicknameLen = 32

// stdinIsTerminal reports whether passphrases can be read without echo.
var stdinIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// readPassword reads a line without echo when stdin is a terminal and falls
// back to reader otherwise.
func readPassword(reader *bufio.Reader) ([]byte, error) {
	if stdinIsTerminal() {
		pass, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		return pass, err
	}

	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}
	return line, nil
}

// promptList prompts the user with the given prefix, list of valid responses,
// and default list entry to use.  The function will repeat the prompt to the
// user until they enter a valid response.
func promptList(reader *bufio.Reader, prefix string, validResponses []string,
	defaultEntry string) (string, error) {

	// Setup the prompt according to the parameters.
	validStrings := strings.Join(validResponses, "/")
	var prompt string
	if defaultEntry != "" {
		prompt = fmt.Sprintf("%s (%s) [%s]: ", prefix, validStrings,
			defaultEntry)
	} else {
		prompt = fmt.Sprintf("%s (%s): ", prefix, validStrings)
	}

	// Prompt the user until one of the valid responses is given.
	for {
		fmt.Print(prompt)
		reply, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		reply = strings.TrimSpace(strings.ToLower(reply))
		if reply == "" {
			reply = defaultEntry
		}

		for _, validResponse := range validResponses {
			if reply == validResponse {
				return reply, nil
			}
		}
	}
}

// promptListBool prompts the user for a boolean (yes/no) with the given
// prefix.
func promptListBool(reader *bufio.Reader, prefix string,
	defaultEntry string) (bool, error) {

	valid := []string{"n", "no", "y", "yes"}
	response, err := promptList(reader, prefix, valid, defaultEntry)
	if err != nil {
		return false, err
	}
	return response == "yes" || response == "y", nil
}

// PassPrompt prompts the user for a passphrase with the given prefix.  When
// confirm is set the passphrase must be entered twice; the prompts repeat
// until both entries match.
func PassPrompt(reader *bufio.Reader, prefix string,
	confirm bool) ([]byte, error) {

	prompt := fmt.Sprintf("%s: ", prefix)
	for {
		fmt.Print(prompt)
		pass, err := readPassword(reader)
		if err != nil {
			return nil, err
		}
		pass = bytes.TrimSpace(pass)
		if len(pass) == 0 {
			continue
		}

		if !confirm {
			return pass, nil
		}

		fmt.Print("Confirm passphrase: ")
		again, err := readPassword(reader)
		if err != nil {
			return nil, err
		}
		again = bytes.TrimSpace(again)
		match := bytes.Equal(pass, again)
		zero.Bytes(again)
		if !match {
			zero.Bytes(pass)
			fmt.Println("The entered passphrases do not match")
			continue
		}

		return pass, nil
	}
}

// StoragePass prompts for the passphrase encrypting wallets at rest.  A new
// store asks for confirmation.
func StoragePass(reader *bufio.Reader, create bool) ([]byte, error) {
	if create {
		return PassPrompt(reader, "Enter the storage passphrase "+
			"for your new wallet", true)
	}
	return PassPrompt(reader, "Enter the storage passphrase", false)
}

// Nickname prompts for the name shown to the other copayers.  An empty
// reply selects defaultName.
func Nickname(reader *bufio.Reader, defaultName string) (string, error) {
	for {
		fmt.Printf("Enter your copayer nickname [%s]: ", defaultName)
		reply, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		reply = strings.TrimSpace(reply)
		if reply == "" {
			reply = defaultName
		}
		if len(reply) > MaxNicknameLen {
			fmt.Printf("Nicknames are at most %d characters\n",
				MaxNicknameLen)
			continue
		}
		return reply, nil
	}
}

// Seed prompts the user whether they want to use an existing copayer key
// seed.  When the user answers no, a seed is generated and displayed, and
// the user must confirm it was written down.  The returned bool reports
// whether that confirmation was given, so the wallet backup can be marked
// done.
func Seed(reader *bufio.Reader) ([]byte, bool, error) {
	useUserSeed, err := promptListBool(reader, "Do you have an "+
		"existing copayer seed you want to use?", "no")
	if err != nil {
		return nil, false, err
	}

	if !useUserSeed {
		seed, err := hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
		if err != nil {
			return nil, false, err
		}

		fmt.Println("Your copayer key generation seed is:")
		fmt.Printf("%x\n", seed)
		fmt.Println("IMPORTANT: Keep the seed in a safe place as you " +
			"will NOT be able to restore your copayer key without it.")
		fmt.Println("Please keep in mind that anyone who has access " +
			"to the seed can sign for your copayer.")

		for {
			fmt.Print(`Once you have stored the seed in a safe ` +
				`and secure location, enter "OK" to continue: `)
			confirmSeed, err := reader.ReadString('\n')
			if err != nil {
				return nil, false, err
			}
			confirmSeed = strings.TrimSpace(confirmSeed)
			confirmSeed = strings.Trim(confirmSeed, `"`)
			if confirmSeed == "OK" {
				break
			}
		}

		return seed, true, nil
	}

	for {
		fmt.Print("Enter existing copayer seed: ")
		seedStr, err := reader.ReadString('\n')
		if err != nil {
			return nil, false, err
		}
		seedStr = strings.TrimSpace(strings.ToLower(seedStr))

		seed, err := hex.DecodeString(seedStr)
		if err != nil || len(seed) < hdkeychain.MinSeedBytes ||
			len(seed) > hdkeychain.MaxSeedBytes {

			fmt.Printf("Invalid seed specified.  Must be a "+
				"hexadecimal value that is at least %d bits and "+
				"at most %d bits\n", hdkeychain.MinSeedBytes*8,
				hdkeychain.MaxSeedBytes*8)
			continue
		}

		// A restored seed was backed up before.
		return seed, true, nil
	}
}
